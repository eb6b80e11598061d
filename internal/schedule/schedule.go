// Package schedule derives the training schedule from the dataset size,
// the batch geometry and the number of devices.
//
// One epoch is the number of optimizer updates needed to consume the whole
// training split once:
//
//	steps_per_epoch = ceil(dataset_size / (batch_size * accumulation_steps * gpu_count))
//
// Checkpointing, evaluation and logging all happen once per epoch, and the
// learning-rate warmup lasts a fixed number of epochs.
package schedule

import (
	"errors"
	"fmt"
)

// ErrNoDevices is returned when no training device is available.
var ErrNoDevices = errors.New("no GPU available for training (gpu count is 0)")

// Schedule holds the derived schedule scalars.
type Schedule struct {
	// DatasetSize is the number of training examples.
	DatasetSize int `json:"dataset_size"`

	// GlobalBatchSize is batch_size * accumulation_steps * gpu_count.
	GlobalBatchSize int `json:"global_batch_size"`

	// StepsPerEpoch is the number of optimizer updates per epoch.
	StepsPerEpoch int `json:"steps_per_epoch"`

	// WarmupSteps is the learning-rate warmup length.
	WarmupSteps int `json:"warmup_steps"`

	// SaveSteps, EvalSteps and LoggingSteps all equal StepsPerEpoch.
	SaveSteps    int `json:"save_steps"`
	EvalSteps    int `json:"eval_steps"`
	LoggingSteps int `json:"logging_steps"`
}

// Compute derives the schedule.
//
// Parameters:
//   - datasetSize: Number of training examples (must not be negative)
//   - batchSize: Per-device batch size (must be positive)
//   - accumSteps: Gradient accumulation steps (must be positive)
//   - gpuCount: Number of devices (must be positive, see ErrNoDevices)
//   - warmupEpochs: Epochs worth of warmup steps (must not be negative)
//
// Returns:
//   - The derived Schedule
//   - Error if any precondition fails
//
// Example:
//
//	s, _ := schedule.Compute(1000, 8, 2, 1, 5)
//	// s.StepsPerEpoch == 63, s.WarmupSteps == 315
func Compute(datasetSize, batchSize, accumSteps, gpuCount, warmupEpochs int) (*Schedule, error) {
	if gpuCount < 1 {
		return nil, fmt.Errorf("cannot compute steps per epoch: %w", ErrNoDevices)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if accumSteps < 1 {
		return nil, fmt.Errorf("gradient accumulation steps must be positive, got %d", accumSteps)
	}
	if datasetSize < 0 {
		return nil, fmt.Errorf("dataset size must not be negative, got %d", datasetSize)
	}
	if warmupEpochs < 0 {
		return nil, fmt.Errorf("warmup epochs must not be negative, got %d", warmupEpochs)
	}

	global := batchSize * accumSteps * gpuCount
	steps := StepsPerEpoch(datasetSize, global)

	return &Schedule{
		DatasetSize:     datasetSize,
		GlobalBatchSize: global,
		StepsPerEpoch:   steps,
		WarmupSteps:     steps * warmupEpochs,
		SaveSteps:       steps,
		EvalSteps:       steps,
		LoggingSteps:    steps,
	}, nil
}

// StepsPerEpoch returns ceil(datasetSize / globalBatchSize).
//
// globalBatchSize must be positive; Compute guarantees it.
func StepsPerEpoch(datasetSize, globalBatchSize int) int {
	return (datasetSize + globalBatchSize - 1) / globalBatchSize
}
