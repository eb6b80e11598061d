package app

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tsingmao/xwtune/internal/config"
)

// RunFlags are the run settings that can be overridden per invocation.
type RunFlags struct {
	DatasetDir     string
	TrainingConfig string
	Checkpoint     string
	OutputDir      string
	Backend        string
	Image          string
	GPUs           int
}

// addRunFlags registers the run flags on a command.
func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	flags := cmd.Flags()
	flags.StringVar(&f.DatasetDir, "dataset", "",
		"directory holding the train and test splits (default "+config.DefaultDatasetDir+")")
	flags.StringVarP(&f.TrainingConfig, "config", "c", "",
		"training config YAML (default "+config.DefaultTrainingConfigPath+")")
	flags.StringVar(&f.Checkpoint, "checkpoint", "",
		"model and tokenizer checkpoint: a local directory or Hub repository id")
	flags.StringVarP(&f.OutputDir, "output", "o", "",
		"directory for checkpoints; the best model is saved under <output>/best_model unless XWTUNE_BEST_MODEL_DIR is set")
	flags.StringVar(&f.Backend, "backend", "",
		"trainer backend: docker or process")
	flags.StringVar(&f.Image, "image", "",
		"worker image for the docker backend")
	flags.IntVar(&f.GPUs, "gpus", 0,
		"number of GPUs to train on (default: detect)")
}

// apply returns a copy of the settings with the changed flags applied.
//
// The shared settings are never modified, so each command works on its own
// immutable snapshot.
func (f *RunFlags) apply(flags *pflag.FlagSet, base *config.Settings) (*config.Settings, error) {
	s := *base
	s.Command = append([]string(nil), base.Command...)

	if flags.Changed("dataset") {
		s.DatasetDir = f.DatasetDir
	}
	if flags.Changed("config") {
		s.TrainingConfigPath = f.TrainingConfig
	}
	if flags.Changed("checkpoint") {
		s.Checkpoint = f.Checkpoint
	}
	if flags.Changed("output") {
		s.OutputDir = f.OutputDir
		// An explicit XWTUNE_BEST_MODEL_DIR stays where it was put.
		if base.BestModelDir == filepath.Join(base.OutputDir, config.DefaultBestModelDirName) {
			s.BestModelDir = filepath.Join(f.OutputDir, config.DefaultBestModelDirName)
		}
	}
	if flags.Changed("backend") {
		s.Backend = f.Backend
	}
	if flags.Changed("image") {
		s.Image = f.Image
	}
	if flags.Changed("gpus") {
		s.GPUCount = f.GPUs
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
