package trainer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/tsingmao/xwtune/internal/device"
	"github.com/tsingmao/xwtune/internal/logger"
)

// stopGracePeriod is how long a cancelled worker gets between SIGTERM and SIGKILL.
const stopGracePeriod = 30 * time.Second

// ProcessRunner runs the worker command on the local host.
type ProcessRunner struct {
	command []string
	usePTY  bool
	acc     device.Accelerator
}

// NewProcessRunner creates a runner for a local worker command.
//
// With usePTY the worker sees a terminal, so progress bars render as they
// would interactively; redraws are logged at debug level. The vendor
// visibility variable of acc limits the worker to the job's GPUs.
func NewProcessRunner(command []string, usePTY bool, acc device.Accelerator) *ProcessRunner {
	return &ProcessRunner{command: command, usePTY: usePTY, acc: acc}
}

// Name implements runner.
func (r *ProcessRunner) Name() string { return "process" }

// Run writes the job file and runs the worker until it exits.
//
// On cancellation the worker receives SIGTERM and, after a grace period,
// SIGKILL.
func (r *ProcessRunner) Run(ctx context.Context, job *Job) error {
	if len(r.command) == 0 {
		return fmt.Errorf("worker command is required")
	}

	path := jobPath(job)
	if err := job.Write(path); err != nil {
		return err
	}
	workerDir, err := filepath.Abs(job.TrainingArgs.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", job.TrainingArgs.OutputDir, err)
	}
	if err := writeWorker(workerDir); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Env = append(os.Environ(),
		JobEnv+"="+path,
		"PYTHONPATH="+pythonPath(workerDir, os.Getenv("PYTHONPATH")),
		"PYTHONUNBUFFERED=1",
	)
	if r.acc.VisibleDevicesEnv != "" {
		cmd.Env = append(cmd.Env, r.acc.VisibleDevicesEnv+"="+strings.Join(r.acc.Devices(job.GPUCount), ","))
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGracePeriod

	logger.Info("Starting worker: %v", r.command)

	if r.usePTY {
		err = r.runPTY(cmd)
	} else {
		err = r.runPipe(cmd)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("worker failed: %w", err)
	}
	return nil
}

// runPipe streams combined stdout and stderr through the logger.
func (r *ProcessRunner) runPipe(cmd *exec.Cmd) error {
	out := logger.Writer("worker")
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

// runPTY runs the worker on a pseudo-terminal.
func (r *ProcessRunner) runPTY(cmd *exec.Cmd) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start worker with pty: %w", err)
	}
	defer ptmx.Close()

	log := logger.WithComponent("worker")
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		forEachTerminalLine(bufio.NewScanner(ptmx), func(line string, redraw bool) {
			if redraw {
				log.Debug(line)
				return
			}
			log.Info(line)
		})
	}()

	err = cmd.Wait()
	ptmx.Close()
	<-copied
	return err
}
