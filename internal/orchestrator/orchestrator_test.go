package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/dataset"
	"github.com/tsingmao/xwtune/internal/models"
	"github.com/tsingmao/xwtune/internal/schedule"
	"github.com/tsingmao/xwtune/internal/trainer"
)

const validConfig = `batch_size: 8
gradient_accumulation_steps: 2
training_epoch: 3
learning_rate: 5.0e-5
`

type fakeDatasets struct {
	rows int
	err  error
}

func (f fakeDatasets) Load(root string) (*dataset.Splits, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dataset.Splits{
		Train: &dataset.Split{Name: "train", Path: filepath.Join(root, "train"), NumRows: f.rows},
		Test:  &dataset.Split{Name: "test", Path: filepath.Join(root, "test"), NumRows: 10},
	}, nil
}

type fakeModels struct {
	err error
}

func (f fakeModels) LoadModel(ctx context.Context, checkpoint string) (*models.Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Model{Checkpoint: checkpoint, Path: "/models/" + checkpoint}, nil
}

func (f fakeModels) LoadTokenizer(ctx context.Context, checkpoint string) (*models.Tokenizer, error) {
	return &models.Tokenizer{Checkpoint: checkpoint, Path: "/models/" + checkpoint}, nil
}

type fakeDevices int

func (f fakeDevices) CountGPUs() (int, error) { return int(f), nil }

// fakeTrainer records calls in order.
type fakeTrainer struct {
	calls    *[]string
	trainErr error
	saveDir  string
}

func (f *fakeTrainer) Train(ctx context.Context) (*trainer.Result, error) {
	*f.calls = append(*f.calls, "train")
	if f.trainErr != nil {
		return nil, f.trainErr
	}
	loss := 1.5
	return &trainer.Result{GlobalStep: 189, BestMetric: &loss}, nil
}

func (f *fakeTrainer) SaveModel(ctx context.Context, dir string) error {
	*f.calls = append(*f.calls, "save")
	f.saveDir = dir
	return nil
}

type harness struct {
	settings *config.Settings
	deps     Deps
	calls    []string
	jobs     []*trainer.Job
	trainer  *fakeTrainer
}

func newHarness(t *testing.T, yaml string) *harness {
	t.Helper()
	root := t.TempDir()

	s := config.NewDefaultSettings()
	s.DatasetDir = filepath.Join(root, "data")
	s.OutputDir = filepath.Join(root, "out")
	s.BestModelDir = filepath.Join(root, "out", "best_model")
	s.TrainingConfigPath = filepath.Join(root, "training_config.yaml")
	require.NoError(t, os.WriteFile(s.TrainingConfigPath, []byte(yaml), 0644))

	h := &harness{settings: s}
	h.trainer = &fakeTrainer{calls: &h.calls}
	h.deps = Deps{
		Datasets: fakeDatasets{rows: 1000},
		Models:   fakeModels{},
		Devices:  fakeDevices(1),
		Trainers: func(job *trainer.Job) (trainer.Trainer, error) {
			h.jobs = append(h.jobs, job)
			return h.trainer, nil
		},
		Workers: func(int) int { return 2 },
	}
	return h
}

func TestRunTrainsThenSaves(t *testing.T) {
	h := newHarness(t, validConfig)
	o := New(h.settings, h.deps)
	assert.Equal(t, PhaseNotStarted, o.Phase())

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"train", "save"}, h.calls)
	assert.Equal(t, h.settings.BestModelDir, h.trainer.saveDir)
	assert.Equal(t, PhaseSaved, o.Phase())
	assert.DirExists(t, h.settings.OutputDir)

	require.Len(t, h.jobs, 1)
	assert.Equal(t, 189, report.Result.GlobalStep)
	assert.Equal(t, h.settings.BestModelDir, report.BestModelDir)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, validConfig)
	o := New(h.settings, h.deps)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"train", "save"}, h.calls)
}

func TestDataloaderWorkersDefault(t *testing.T) {
	h := newHarness(t, validConfig)
	h.deps.Workers = nil

	plan, err := New(h.settings, h.deps).Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, plan.Job.TrainingArgs.DataloaderNumWorkers)

	h.settings.DataloaderWorkers = 3
	plan, err = New(h.settings, h.deps).Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Job.TrainingArgs.DataloaderNumWorkers)
}

func TestRunWhileRunning(t *testing.T) {
	h := newHarness(t, validConfig)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.deps.Trainers = func(job *trainer.Job) (trainer.Trainer, error) {
		close(entered)
		<-release
		return h.trainer, nil
	}
	o := New(h.settings, h.deps)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()

	<-entered
	assert.Equal(t, PhaseTraining, o.Phase())
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already ran")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"train", "save"}, h.calls)
	assert.Equal(t, PhaseSaved, o.Phase())
}

func TestPlanSchedule(t *testing.T) {
	h := newHarness(t, validConfig)
	plan, err := New(h.settings, h.deps).Plan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, plan.GPUCount)
	assert.Equal(t, 63, plan.Schedule.StepsPerEpoch)
	assert.Equal(t, 315, plan.Schedule.WarmupSteps)

	args := plan.Job.TrainingArgs
	assert.Equal(t, 63, args.SaveSteps)
	assert.Equal(t, 63, args.EvalSteps)
	assert.Equal(t, 63, args.LoggingSteps)
	assert.Equal(t, 315, args.WarmupSteps)
	assert.Equal(t, 5, args.SaveTotalLimit)
	assert.Equal(t, 8, args.PerDeviceTrainBatchSize)
	assert.Equal(t, 2, args.GradientAccumulationSteps)
	assert.Equal(t, 3.0, args.NumTrainEpochs)
	assert.Equal(t, 5e-5, args.LearningRate)
	assert.True(t, args.LoadBestModelAtEnd)
	assert.Equal(t, trainer.MetricLoss, args.MetricForBestModel)
	assert.Equal(t, 2, args.DataloaderNumWorkers)
	assert.False(t, plan.Job.Collator.MLM)

	assert.Equal(t, "/models/"+h.settings.Checkpoint, plan.Job.ModelPath)
	assert.Equal(t, filepath.Join(h.settings.DatasetDir, "train"), plan.Job.TrainDataset)
	assert.Equal(t, filepath.Join(h.settings.DatasetDir, "test"), plan.Job.EvalDataset)
	assert.Nil(t, plan.Job.PlaceModelOnDevice)
}

func TestPlanForwardsOptionalSettings(t *testing.T) {
	h := newHarness(t, validConfig)
	place := false
	h.settings.PlaceModelOnDevice = &place
	h.settings.EarlyStoppingPatience = 4
	h.settings.SaveTotalLimit = 2
	h.settings.WarmupEpochs = 1
	h.deps.Devices = fakeDevices(4)

	plan, err := New(h.settings, h.deps).Plan(context.Background())
	require.NoError(t, err)

	// ceil(1000 / (8*2*4)) = 16
	assert.Equal(t, 16, plan.Schedule.StepsPerEpoch)
	assert.Equal(t, 16, plan.Job.TrainingArgs.WarmupSteps)
	assert.Equal(t, 2, plan.Job.TrainingArgs.SaveTotalLimit)
	require.NotNil(t, plan.Job.PlaceModelOnDevice)
	assert.False(t, *plan.Job.PlaceModelOnDevice)
	assert.Equal(t, 4, plan.Job.EarlyStoppingPatience)
}

func TestMissingConfigKeyStopsBeforeTraining(t *testing.T) {
	h := newHarness(t, "batch_size: 8\ngradient_accumulation_steps: 2\ntraining_epoch: 3\n")
	o := New(h.settings, h.deps)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingKey)
	assert.Contains(t, err.Error(), "learning_rate")
	assert.Empty(t, h.jobs)
	assert.Empty(t, h.calls)
	assert.Equal(t, PhaseFailed, o.Phase())
}

func TestNoGPUFailsFast(t *testing.T) {
	h := newHarness(t, validConfig)
	h.deps.Devices = fakeDevices(0)

	_, err := New(h.settings, h.deps).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, schedule.ErrNoDevices)
	assert.Empty(t, h.calls)
}

func TestEmptyTrainingSplit(t *testing.T) {
	h := newHarness(t, validConfig)
	h.deps.Datasets = fakeDatasets{rows: 0}

	_, err := New(h.settings, h.deps).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training split empty")
	assert.Empty(t, h.calls)
}

func TestLoadFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("dataset", func(t *testing.T) {
		h := newHarness(t, validConfig)
		h.deps.Datasets = fakeDatasets{err: boom}
		_, err := New(h.settings, h.deps).Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "failed to load dataset")
		assert.Empty(t, h.calls)
	})

	t.Run("model", func(t *testing.T) {
		h := newHarness(t, validConfig)
		h.deps.Models = fakeModels{err: models.ErrRepoNotFound}
		_, err := New(h.settings, h.deps).Run(context.Background())
		assert.ErrorIs(t, err, models.ErrRepoNotFound)
		assert.Empty(t, h.calls)
	})

	t.Run("config file", func(t *testing.T) {
		h := newHarness(t, validConfig)
		h.settings.TrainingConfigPath = filepath.Join(t.TempDir(), "absent.yaml")
		_, err := New(h.settings, h.deps).Run(context.Background())
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Empty(t, h.calls)
	})
}

func TestTrainFailureSkipsSave(t *testing.T) {
	h := newHarness(t, validConfig)
	h.trainer.trainErr = errors.New("CUDA out of memory")
	o := New(h.settings, h.deps)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training failed")
	assert.Equal(t, []string{"train"}, h.calls)
	assert.Equal(t, PhaseFailed, o.Phase())
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t, validConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(h.settings, h.deps).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.calls)
}
