package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// JobFileName is written to the output directory for the worker.
	JobFileName = "xwtune_job.json"

	// JobEnv tells the worker where the job file is.
	JobEnv = "XWTUNE_JOB"
)

// Job is everything a worker needs to construct a Hugging Face Trainer:
// model, tokenizer, arguments, collator and datasets.
type Job struct {
	TrainingArgs  TrainingArguments `json:"training_args"`
	Collator      Collator          `json:"collator"`
	ModelPath     string            `json:"model_path"`
	TokenizerPath string            `json:"tokenizer_path"`
	TrainDataset  string            `json:"train_dataset"`
	EvalDataset   string            `json:"eval_dataset"`
	GPUCount      int               `json:"gpu_count"`

	// PlaceModelOnDevice is only sent when explicitly configured.
	PlaceModelOnDevice *bool `json:"place_model_on_device,omitempty"`

	// EarlyStoppingPatience adds an early stopping callback when positive.
	EarlyStoppingPatience int `json:"early_stopping_patience,omitempty"`
}

// Validate checks that the job is complete.
func (j *Job) Validate() error {
	if err := j.TrainingArgs.Validate(); err != nil {
		return fmt.Errorf("invalid training arguments: %w", err)
	}
	if j.ModelPath == "" || j.TokenizerPath == "" {
		return fmt.Errorf("model and tokenizer paths are required")
	}
	if j.TrainDataset == "" || j.EvalDataset == "" {
		return fmt.Errorf("train and eval dataset paths are required")
	}
	if j.GPUCount < 1 {
		return fmt.Errorf("job needs at least one GPU, got %d", j.GPUCount)
	}
	return nil
}

// Write serializes the job as indented JSON.
func (j *Job) Write(path string) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	return nil
}

// ReadJob reads a job file.
func ReadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	return &j, nil
}

// jobPath returns where the job file for a run lives on the host.
func jobPath(j *Job) string {
	return filepath.Join(j.TrainingArgs.OutputDir, JobFileName)
}
