// Package app provides the command-line interface implementation for xwtune.
//
// Commands are organized hierarchically with cobra: a root command carrying
// the global flags and one subcommand per operation. Settings are resolved
// once, before any subcommand runs, and passed down explicitly.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/logger"
)

const (
	// cliName is the name of the CLI application
	cliName = "xwtune"

	// cliDescription is the short description shown in help text
	cliDescription = "xwtune - fine-tune causal language models"
)

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// EnvFile is loaded into the environment before settings are resolved
	EnvFile string

	// Verbose enables debug logging
	Verbose bool

	// Settings is resolved in the root PersistentPreRunE
	Settings *config.Settings
}

// NewXWTuneCommand creates the root xwtune command with all subcommands.
//
// Returns:
//   - A configured cobra.Command ready for execution
//
// Example:
//
//	cmd := NewXWTuneCommand()
//	if err := cmd.Execute(); err != nil {
//	    os.Exit(1)
//	}
func NewXWTuneCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `xwtune fine-tunes a pretrained causal language model on a pre-tokenized
dataset.

It loads the train and test splits from disk, resolves the model and
tokenizer checkpoint (downloading it from the Hub when needed), derives the
training schedule from the dataset size and the number of GPUs, and runs a
Hugging Face Trainer worker in a container or as a local process. The best
checkpoint and the tokenizer are saved when training completes.

Settings come from built-in defaults, an optional .env file, XWTUNE_*
environment variables and command flags, in increasing priority.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.SetDebug(opts.Verbose)
			s, err := config.Load(opts.EnvFile)
			if err != nil {
				return fmt.Errorf("failed to load settings: %w", err)
			}
			opts.Settings = s
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", config.DefaultEnvFile,
		"environment file loaded before resolving settings")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	cmd.AddCommand(
		NewTrainCommand(opts),
		NewPlanCommand(opts),
		NewDeviceCommand(opts),
		NewVersionCommand(opts),
	)

	return cmd
}
