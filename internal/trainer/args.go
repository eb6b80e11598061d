package trainer

import (
	"fmt"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/schedule"
)

// Fixed training policy.
const (
	StrategySteps      = "steps"
	MetricLoss         = "loss"
	OptimizerAdamW     = "adamw_torch"
	CollatorCausalLM   = "DataCollatorForLanguageModeling"
	ReturnTensorsTorch = "pt"
)

// TrainingArguments mirrors the Hugging Face TrainingArguments fields the
// worker passes through unchanged.
type TrainingArguments struct {
	OutputDir                 string  `json:"output_dir"`
	PerDeviceTrainBatchSize   int     `json:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	EvaluationStrategy        string  `json:"evaluation_strategy"`
	NumTrainEpochs            float64 `json:"num_train_epochs"`
	SaveSteps                 int     `json:"save_steps"`
	EvalSteps                 int     `json:"eval_steps"`
	LoggingSteps              int     `json:"logging_steps"`
	LearningRate              float64 `json:"learning_rate"`
	WarmupSteps               int     `json:"warmup_steps"`
	SaveTotalLimit            int     `json:"save_total_limit"`
	LoadBestModelAtEnd        bool    `json:"load_best_model_at_end"`
	PredictionLossOnly        bool    `json:"prediction_loss_only"`
	MetricForBestModel        string  `json:"metric_for_best_model"`
	Optim                     string  `json:"optim"`
	DataloaderNumWorkers      int     `json:"dataloader_num_workers"`
}

// BuildArguments assembles the training arguments for a run.
//
// Batch size, accumulation, epochs and learning rate come from the training
// config; every cadence (save, eval, logging) is one epoch worth of steps and
// warmup comes from the schedule.
//
// Parameters:
//   - s: Run settings (output dir, save total limit)
//   - cfg: Parsed training config
//   - sched: Schedule computed for the dataset and GPU count
//   - workers: Dataloader worker processes per device
func BuildArguments(s *config.Settings, cfg *config.TrainingConfig, sched *schedule.Schedule, workers int) TrainingArguments {
	return TrainingArguments{
		OutputDir:                 s.OutputDir,
		PerDeviceTrainBatchSize:   cfg.BatchSize,
		GradientAccumulationSteps: cfg.GradientAccumulationSteps,
		EvaluationStrategy:        StrategySteps,
		NumTrainEpochs:            float64(cfg.TrainingEpoch),
		SaveSteps:                 sched.SaveSteps,
		EvalSteps:                 sched.EvalSteps,
		LoggingSteps:              sched.LoggingSteps,
		LearningRate:              cfg.LearningRate,
		WarmupSteps:               sched.WarmupSteps,
		SaveTotalLimit:            s.SaveTotalLimit,
		LoadBestModelAtEnd:        true,
		PredictionLossOnly:        true,
		MetricForBestModel:        MetricLoss,
		Optim:                     OptimizerAdamW,
		DataloaderNumWorkers:      workers,
	}
}

// Validate checks the invariants the worker relies on.
func (a *TrainingArguments) Validate() error {
	if a.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if a.PerDeviceTrainBatchSize < 1 || a.GradientAccumulationSteps < 1 {
		return fmt.Errorf("batch size and gradient accumulation must be positive")
	}
	if a.NumTrainEpochs <= 0 || a.LearningRate <= 0 {
		return fmt.Errorf("epochs and learning rate must be positive")
	}
	// load_best_model_at_end requires matching save and eval cadence.
	if a.LoadBestModelAtEnd && a.SaveSteps != a.EvalSteps {
		return fmt.Errorf("save_steps (%d) must equal eval_steps (%d) with load_best_model_at_end", a.SaveSteps, a.EvalSteps)
	}
	if a.SaveSteps < 1 {
		return fmt.Errorf("save_steps must be positive, got %d (is the training split empty?)", a.SaveSteps)
	}
	return nil
}

// Collator describes the data collator the worker builds.
type Collator struct {
	Type          string `json:"type"`
	MLM           bool   `json:"mlm"`
	ReturnTensors string `json:"return_tensors"`
}

// CausalLMCollator returns the causal language modeling collator: no
// masking, PyTorch tensors.
func CausalLMCollator() Collator {
	return Collator{
		Type:          CollatorCausalLM,
		MLM:           false,
		ReturnTensors: ReturnTensorsTorch,
	}
}
