// Package orchestrator runs a fine-tuning job end to end.
//
// A run is a fixed sequence with no retries:
//  1. load the train and test splits
//  2. load the model and tokenizer
//  3. read the training config
//  4. count GPUs and derive the schedule
//  5. build the training arguments and collator
//  6. train
//  7. save the best model and tokenizer
//
// Any failing step aborts the run. Collaborators are injected so each step
// can be replaced in tests.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/dataset"
	"github.com/tsingmao/xwtune/internal/device"
	"github.com/tsingmao/xwtune/internal/logger"
	"github.com/tsingmao/xwtune/internal/models"
	"github.com/tsingmao/xwtune/internal/schedule"
	"github.com/tsingmao/xwtune/internal/trainer"
)

// DatasetLoader loads the train and test splits under a directory.
type DatasetLoader interface {
	Load(root string) (*dataset.Splits, error)
}

// ModelLoader resolves a checkpoint identifier.
type ModelLoader interface {
	LoadModel(ctx context.Context, checkpoint string) (*models.Model, error)
	LoadTokenizer(ctx context.Context, checkpoint string) (*models.Tokenizer, error)
}

// DeviceCounter reports how many GPUs the trainer may use.
type DeviceCounter interface {
	CountGPUs() (int, error)
}

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseNotStarted Phase = "not-started"
	PhaseTraining   Phase = "training" // from the start of Run, planning included
	PhaseSaved      Phase = "saved"
	PhaseFailed     Phase = "failed"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Datasets DatasetLoader
	Models   ModelLoader
	Devices  DeviceCounter
	Trainers trainer.Factory

	// Workers returns the dataloader worker count for a GPU count.
	// Defaults to Settings.DataloaderWorkers, or the host CPU based count
	// when that is config.DataloaderWorkersAuto.
	Workers func(gpuCount int) int
}

// Orchestrator runs one training job.
type Orchestrator struct {
	settings *config.Settings
	deps     Deps

	mu    sync.Mutex
	phase Phase
}

// New creates an orchestrator. Settings are not modified.
func New(s *config.Settings, deps Deps) *Orchestrator {
	if deps.Workers == nil {
		deps.Workers = dataloaderWorkers(s.DataloaderWorkers)
	}
	return &Orchestrator{settings: s, deps: deps, phase: PhaseNotStarted}
}

func dataloaderWorkers(n int) func(int) int {
	if n == config.DataloaderWorkersAuto {
		return device.HostInfo().DataloaderWorkers
	}
	return func(int) int { return n }
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Plan is the outcome of steps 1 to 5.
type Plan struct {
	Splits    *dataset.Splits        `json:"dataset"`
	Model     *models.Model          `json:"model"`
	Tokenizer *models.Tokenizer      `json:"tokenizer"`
	Config    *config.TrainingConfig `json:"training_config"`
	GPUCount  int                    `json:"gpu_count"`
	Schedule  *schedule.Schedule     `json:"schedule"`
	Job       *trainer.Job           `json:"job"`
}

// Report is the outcome of a complete run.
type Report struct {
	Plan         *Plan           `json:"plan"`
	Result       *trainer.Result `json:"result"`
	BestModelDir string          `json:"best_model_dir"`
}

// Plan runs steps 1 to 5 without training.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	s := o.settings
	log := logger.WithComponent("Training")

	log.Info("Start load dataset from disk")
	splits, err := o.deps.Datasets.Load(s.DatasetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	log.Infof("Finish load dataset (train: %s, test: %s)", splits.Train, splits.Test)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Infof("Start load model and tokenizer from checkpoint: %s", s.Checkpoint)
	model, err := o.deps.Models.LoadModel(ctx, s.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	tok, err := o.deps.Models.LoadTokenizer(ctx, s.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	log.Infof("Finish load model and tokenizer: %s", model)

	cfg, err := config.LoadTrainingConfig(s.TrainingConfigPath)
	if err != nil {
		return nil, err
	}
	log.Infof("Training config: %s", cfg)

	gpus, err := o.deps.Devices.CountGPUs()
	if err != nil {
		return nil, fmt.Errorf("failed to count GPUs: %w", err)
	}
	log.Infof("Number of GPU training: %d", gpus)

	sched, err := schedule.Compute(splits.Train.Len(), cfg.BatchSize, cfg.GradientAccumulationSteps, gpus, s.WarmupEpochs)
	if err != nil {
		return nil, err
	}
	log.Infof("Step per epoch: %d", sched.StepsPerEpoch)

	job := &trainer.Job{
		TrainingArgs:          trainer.BuildArguments(s, cfg, sched, o.deps.Workers(gpus)),
		Collator:              trainer.CausalLMCollator(),
		ModelPath:             model.Path,
		TokenizerPath:         tok.Path,
		TrainDataset:          splits.Train.Path,
		EvalDataset:           splits.Test.Path,
		GPUCount:              gpus,
		PlaceModelOnDevice:    s.PlaceModelOnDevice,
		EarlyStoppingPatience: s.EarlyStoppingPatience,
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training job: %w", err)
	}

	return &Plan{
		Splits:    splits,
		Model:     model,
		Tokenizer: tok,
		Config:    cfg,
		GPUCount:  gpus,
		Schedule:  sched,
		Job:       job,
	}, nil
}

// Run executes the whole job: Plan, then Train once and SaveModel once.
//
// Returns:
//   - Report with the plan and training result
//   - Error from the first failing step; the phase becomes PhaseFailed
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if err := o.start(); err != nil {
		return nil, err
	}

	report, err := o.run(ctx)
	if err != nil {
		o.setPhase(PhaseFailed)
		return nil, err
	}
	o.setPhase(PhaseSaved)
	return report, nil
}

// start claims the orchestrator for a single run.
func (o *Orchestrator) start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.phase != PhaseNotStarted {
		return fmt.Errorf("orchestrator already ran (phase %s)", o.phase)
	}
	o.phase = PhaseTraining
	return nil
}

func (o *Orchestrator) run(ctx context.Context) (*Report, error) {
	s := o.settings
	log := logger.WithComponent("Training")

	plan, err := o.Plan(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	t, err := o.deps.Trainers(plan.Job)
	if err != nil {
		return nil, fmt.Errorf("failed to create trainer: %w", err)
	}

	result, err := t.Train(ctx)
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	if err := t.SaveModel(ctx, s.BestModelDir); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}
	log.Infof("Saved best model to %s", s.BestModelDir)

	return &Report{Plan: plan, Result: result, BestModelDir: s.BestModelDir}, nil
}
