package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// TrainOptions holds options for the train command
type TrainOptions struct {
	*GlobalOptions
	RunFlags
}

// NewTrainCommand creates the train command.
//
// The train command runs a complete fine-tuning job: it loads the dataset,
// the model and tokenizer, and the training config, runs the trainer worker
// once and saves the best model.
//
// Usage:
//
//	xwtune train [--dataset DIR] [--config FILE] [--checkpoint ID] [--output DIR]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for training
func NewTrainCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &TrainOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the model",
		Long: `Fine-tune the checkpoint on the dataset and save the best model.

Training runs to completion in a single worker. Intermediate checkpoints are
kept under the output directory (at most save_total_limit of them), and the
checkpoint with the lowest evaluation loss is saved with the tokenizer to the
best model directory. Interrupting the command stops the worker.`,
		Example: `  # Train with the default dataset, config and checkpoint
  xwtune train

  # Train a local checkpoint on two GPUs
  xwtune train --checkpoint ./models/gpt2 --gpus 2

  # Run the worker as a local process
  XWTUNE_COMMAND="python train_worker.py" xwtune train --backend process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, opts)
		},
	}

	addRunFlags(cmd, &opts.RunFlags)
	return cmd
}

// runTrain executes the train command logic.
func runTrain(cmd *cobra.Command, opts *TrainOptions) error {
	s, err := opts.RunFlags.apply(cmd.Flags(), opts.Settings)
	if err != nil {
		return err
	}
	if err := s.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := newOrchestrator(s)
	if err != nil {
		return err
	}

	report, err := o.Run(ctx)
	if err != nil {
		return err
	}

	res := report.Result
	fmt.Printf("Training complete: %d step(s), %.2f epoch(s)\n", res.GlobalStep, res.Epoch)
	if res.BestMetric != nil {
		fmt.Printf("Best eval loss:    %.4f (%s)\n", *res.BestMetric, res.ModelSource())
	}
	if res.TrainLoss != nil {
		fmt.Printf("Final train loss:  %.4f\n", *res.TrainLoss)
	}
	fmt.Printf("Best model saved:  %s (%s)\n", report.BestModelDir, humanize.Bytes(uint64(dirSize(report.BestModelDir))))
	return nil
}

// dirSize sums the sizes of the regular files directly under dir.
func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}
