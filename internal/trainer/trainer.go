// Package trainer runs the external training loop.
//
// The optimization loop, checkpointing and evaluation belong to a Hugging
// Face Trainer worker. This package describes the work (Job), starts the
// worker in a Docker container or as a local process, reads back the result
// from the checkpoints it wrote, and persists the best model.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/device"
	"github.com/tsingmao/xwtune/internal/logger"
)

// ErrNotTrained is returned by SaveModel before a successful Train.
var ErrNotTrained = errors.New("model has not been trained")

// Trainer is an external training loop bound to one Job.
type Trainer interface {
	// Train runs the training loop to completion.
	Train(ctx context.Context) (*Result, error)

	// SaveModel persists the best model and the tokenizer to dir.
	SaveModel(ctx context.Context, dir string) error
}

// Factory constructs a Trainer for a job.
type Factory func(job *Job) (Trainer, error)

// runner starts a worker for a job and blocks until it exits.
type runner interface {
	Name() string
	Run(ctx context.Context, job *Job) error
}

// jobTrainer implements Trainer on top of a runner.
type jobTrainer struct {
	job    *Job
	runner runner

	mu     sync.Mutex
	result *Result
}

// newJobTrainer validates the job and binds it to a runner.
func newJobTrainer(job *Job, r runner) (*jobTrainer, error) {
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &jobTrainer{job: job, runner: r}, nil
}

// Train runs the worker and reads the result from its checkpoints.
//
// Checkpoints from an earlier run in the same output directory are removed
// first.
func (t *jobTrainer) Train(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.result != nil {
		return nil, fmt.Errorf("trainer already ran")
	}

	log := logger.WithComponent(t.runner.Name())
	log.Infof("Starting training: %d epoch(s), %d GPU(s), output %s",
		int(t.job.TrainingArgs.NumTrainEpochs), t.job.GPUCount, t.job.TrainingArgs.OutputDir)

	removed, err := clearRunOutputs(t.job.TrainingArgs.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to clear previous run: %w", err)
	}
	if removed > 0 {
		log.Infof("Removed %d checkpoint(s) left by a previous run", removed)
	}

	start := time.Now()
	if err := t.runner.Run(ctx, t.job); err != nil {
		return nil, fmt.Errorf("%s trainer failed: %w", t.runner.Name(), err)
	}

	res, err := ReadResult(t.job.TrainingArgs.OutputDir)
	if err != nil {
		return nil, err
	}

	log.Infof("Training finished in %s at step %d", time.Since(start).Round(time.Second), res.GlobalStep)
	t.result = res
	return res, nil
}

// SaveModel copies the best checkpoint and the tokenizer to dir.
func (t *jobTrainer) SaveModel(ctx context.Context, dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.result == nil {
		return ErrNotTrained
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return SaveBest(t.result, t.job.TokenizerPath, dir)
}

// NewFactory returns the factory for the configured backend.
//
// Parameters:
//   - s: Run settings (Backend, Image, Command, ProcessPTY)
//   - acc: How GPUs are exposed to the worker; its WorkerImage is used when
//     s.Image is empty
func NewFactory(s *config.Settings, acc device.Accelerator) (Factory, error) {
	switch s.Backend {
	case config.BackendDocker:
		image := s.Image
		if image == "" {
			image = acc.WorkerImage
		}
		if image == "" {
			return nil, fmt.Errorf("no worker image for %s on %s: set XWTUNE_IMAGE or --image", acc.Vendor, runtime.GOARCH)
		}
		logger.Debug("Using worker image %s", image)
		return func(job *Job) (Trainer, error) {
			r, err := NewDockerRunner(image, s.Command, acc)
			if err != nil {
				return nil, err
			}
			return newJobTrainer(job, r)
		}, nil
	case config.BackendProcess:
		return func(job *Job) (Trainer, error) {
			return newJobTrainer(job, NewProcessRunner(s.Command, s.ProcessPTY, acc))
		}, nil
	default:
		return nil, fmt.Errorf("unknown trainer backend %q", s.Backend)
	}
}
