package app

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtune/internal/orchestrator"
)

// PlanOptions holds options for the plan command
type PlanOptions struct {
	*GlobalOptions
	RunFlags

	// JSON prints the plan as JSON
	JSON bool
}

// NewPlanCommand creates the plan command.
//
// The plan command runs every step of a training job up to, but not
// including, the trainer: it loads the dataset, the model and tokenizer and
// the config, counts GPUs and prints the derived schedule and arguments.
//
// Usage:
//
//	xwtune plan [--json] [run flags]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for planning
func NewPlanCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &PlanOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the training schedule without training",
		Long: `Load the dataset, model and config and print the derived training schedule.

Nothing is trained and nothing is written except the checkpoint download
cache. Use it to check steps per epoch and warmup before a long run.`,
		Example: `  # Show the schedule for the default run
  xwtune plan

  # Show the worker job as JSON for four GPUs
  xwtune plan --gpus 4 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts)
		},
	}

	addRunFlags(cmd, &opts.RunFlags)
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the plan as JSON")
	return cmd
}

// runPlan executes the plan command logic.
func runPlan(cmd *cobra.Command, opts *PlanOptions) error {
	s, err := opts.RunFlags.apply(cmd.Flags(), opts.Settings)
	if err != nil {
		return err
	}

	o, err := newOrchestrator(s)
	if err != nil {
		return err
	}

	plan, err := o.Plan(cmd.Context())
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(plan)
	return nil
}

// printPlan renders a plan as an aligned table.
func printPlan(p *orchestrator.Plan) {
	args := p.Job.TrainingArgs

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Train split:\t%s rows\t%s\n", humanize.Comma(int64(p.Splits.Train.Len())), p.Splits.Train.Path)
	fmt.Fprintf(w, "Test split:\t%s rows\t%s\n", humanize.Comma(int64(p.Splits.Test.Len())), p.Splits.Test.Path)
	fmt.Fprintf(w, "Model:\t%s\t%s\n", p.Model, p.Model.Path)
	fmt.Fprintf(w, "Tokenizer:\t%s\t\n", p.Tokenizer)
	fmt.Fprintf(w, "GPUs:\t%d\t\n", p.GPUCount)
	fmt.Fprintln(w, "\t\t")
	fmt.Fprintf(w, "Batch size:\t%d x %d accumulation x %d GPU(s) = %d\t\n",
		args.PerDeviceTrainBatchSize, args.GradientAccumulationSteps, p.GPUCount, p.Schedule.GlobalBatchSize)
	fmt.Fprintf(w, "Steps per epoch:\t%d\t\n", p.Schedule.StepsPerEpoch)
	fmt.Fprintf(w, "Epochs:\t%g\t\n", args.NumTrainEpochs)
	fmt.Fprintf(w, "Warmup steps:\t%d\t\n", args.WarmupSteps)
	fmt.Fprintf(w, "Save/eval/log every:\t%d step(s)\t\n", args.SaveSteps)
	fmt.Fprintf(w, "Checkpoints kept:\t%d\t%s\n", args.SaveTotalLimit, args.OutputDir)
	fmt.Fprintf(w, "Learning rate:\t%g\t\n", args.LearningRate)
	fmt.Fprintf(w, "Dataloader workers:\t%d\t\n", args.DataloaderNumWorkers)
	if p.Job.EarlyStoppingPatience > 0 {
		fmt.Fprintf(w, "Early stopping:\t%d evaluation(s)\t\n", p.Job.EarlyStoppingPatience)
	}
	if p.Job.PlaceModelOnDevice != nil {
		fmt.Fprintf(w, "Place model on device:\t%t\t\n", *p.Job.PlaceModelOnDevice)
	}
	w.Flush()
}
