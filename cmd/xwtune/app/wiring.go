package app

import (
	"fmt"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/dataset"
	"github.com/tsingmao/xwtune/internal/device"
	"github.com/tsingmao/xwtune/internal/models"
	"github.com/tsingmao/xwtune/internal/orchestrator"
	"github.com/tsingmao/xwtune/internal/trainer"
)

// newOrchestrator wires the production collaborators for a run.
//
// Parameters:
//   - s: Resolved, validated settings
//
// Returns:
//   - Orchestrator ready to Plan or Run
//   - Error if the device table or the trainer backend is invalid
func newOrchestrator(s *config.Settings) (*orchestrator.Orchestrator, error) {
	detector, err := device.NewDetector(s)
	if err != nil {
		return nil, err
	}

	acc, err := detector.Accelerator()
	if err != nil {
		return nil, fmt.Errorf("failed to detect accelerator: %w", err)
	}

	factory, err := trainer.NewFactory(s, acc)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(s, orchestrator.Deps{
		Datasets: dataset.Loader{},
		Models:   models.NewLoader(s),
		Devices:  detector,
		Trainers: factory,
	}), nil
}
