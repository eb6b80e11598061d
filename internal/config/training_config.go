// Package config - training_config.go loads the training hyperparameter file.
//
// The file is a flat YAML mapping with four required keys:
//
//	batch_size: 8
//	gradient_accumulation_steps: 2
//	training_epoch: 10
//	learning_rate: 5.0e-5
//
// Every key must be present and numeric. A missing key is reported through
// ErrMissingKey so callers can distinguish it from parse failures.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrMissingKey is returned when a required training config key is absent.
var ErrMissingKey = errors.New("missing required training config key")

// TrainingConfig holds the hyperparameters read from training_config.yaml.
type TrainingConfig struct {
	// BatchSize is the per-device training batch size.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// GradientAccumulationSteps is the number of forward/backward passes
	// summed before each optimizer update.
	GradientAccumulationSteps int `yaml:"gradient_accumulation_steps" json:"gradient_accumulation_steps"`

	// TrainingEpoch is the number of passes over the training split.
	TrainingEpoch int `yaml:"training_epoch" json:"training_epoch"`

	// LearningRate is the peak optimizer learning rate.
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
}

// rawTrainingConfig uses pointers so absent keys can be told apart from zeros.
type rawTrainingConfig struct {
	BatchSize                 *int     `yaml:"batch_size"`
	GradientAccumulationSteps *int     `yaml:"gradient_accumulation_steps"`
	TrainingEpoch             *int     `yaml:"training_epoch"`
	LearningRate              *float64 `yaml:"learning_rate"`
}

// LoadTrainingConfig reads and validates a training config file.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - Parsed TrainingConfig
//   - Error if the file cannot be read, parsed, or is missing a key
//
// Example:
//
//	cfg, err := config.LoadTrainingConfig("./config/training_config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.BatchSize)
func LoadTrainingConfig(path string) (*TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read training config %s: %w", path, err)
	}

	cfg, err := ParseTrainingConfig(data)
	if err != nil {
		return nil, fmt.Errorf("invalid training config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseTrainingConfig parses training config YAML content.
func ParseTrainingConfig(data []byte) (*TrainingConfig, error) {
	var raw rawTrainingConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Report keys in file order so the first missing one is deterministic.
	switch {
	case raw.BatchSize == nil:
		return nil, fmt.Errorf("%w: batch_size", ErrMissingKey)
	case raw.GradientAccumulationSteps == nil:
		return nil, fmt.Errorf("%w: gradient_accumulation_steps", ErrMissingKey)
	case raw.TrainingEpoch == nil:
		return nil, fmt.Errorf("%w: training_epoch", ErrMissingKey)
	case raw.LearningRate == nil:
		return nil, fmt.Errorf("%w: learning_rate", ErrMissingKey)
	}

	cfg := &TrainingConfig{
		BatchSize:                 *raw.BatchSize,
		GradientAccumulationSteps: *raw.GradientAccumulationSteps,
		TrainingEpoch:             *raw.TrainingEpoch,
		LearningRate:              *raw.LearningRate,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every hyperparameter is positive.
func (c *TrainingConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("gradient_accumulation_steps must be positive, got %d", c.GradientAccumulationSteps)
	}
	if c.TrainingEpoch < 1 {
		return fmt.Errorf("training_epoch must be positive, got %d", c.TrainingEpoch)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

// String renders the config the way it is logged at startup.
func (c *TrainingConfig) String() string {
	return fmt.Sprintf("{batch_size: %d, gradient_accumulation_steps: %d, training_epoch: %d, learning_rate: %g}",
		c.BatchSize, c.GradientAccumulationSteps, c.TrainingEpoch, c.LearningRate)
}
