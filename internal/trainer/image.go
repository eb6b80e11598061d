package trainer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/tsingmao/xwtune/internal/logger"
)

// CheckDockerImageExists checks whether an image is present locally.
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - imageName: Full image name (e.g., "huggingface/transformers-pytorch-gpu:latest")
//
// Returns:
//   - true if image exists locally
//   - Error if the docker CLI fails
func CheckDockerImageExists(ctx context.Context, imageName string) (bool, error) {
	if imageName == "" {
		return false, fmt.Errorf("image name cannot be empty")
	}

	logger.Debug("Checking if Docker image exists: %s", imageName)

	output, err := exec.CommandContext(ctx, "docker", "images", "-q", imageName).Output()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to check Docker image: %w", err)
	}

	return len(strings.TrimSpace(string(output))) > 0, nil
}

// PullDockerImage pulls an image with the docker CLI under a PTY.
//
// Running under a PTY makes docker print its native progress output.
// Progress redraws (lines ending in '\r') are logged at debug level and
// completed lines at info level.
func PullDockerImage(ctx context.Context, imageName string) error {
	logger.Info("Pulling Docker image: %s", imageName)

	cmd := exec.CommandContext(ctx, "docker", "pull", imageName)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start docker pull with pty: %w", err)
	}
	defer ptmx.Close()

	// The scanner ends with EIO once docker exits and the PTY closes.
	forEachTerminalLine(bufio.NewScanner(ptmx), func(line string, redraw bool) {
		if redraw {
			logger.Debug("%s", line)
			return
		}
		logger.Info("%s", line)
	})

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to pull image: %w", err)
	}

	logger.Info("Successfully pulled Docker image: %s", imageName)
	return nil
}

// forEachTerminalLine splits terminal output on '\r' and '\n'.
//
// A "\r\n" pair ends a normal line. A lone '\r' ends a line that the
// terminal would overwrite, reported with redraw set. Empty lines are dropped.
func forEachTerminalLine(sc *bufio.Scanner, fn func(line string, redraw bool)) {
	redraw := false
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			if atEOF && len(data) > 0 {
				redraw = false
				return len(data), data, nil
			}
			return 0, nil, nil
		}
		if data[i] == '\n' {
			redraw = false
			return i + 1, data[:i], nil
		}
		// '\r': need one more byte to tell "\r\n" from a redraw
		if i+1 >= len(data) && !atEOF {
			return 0, nil, nil
		}
		if i+1 < len(data) && data[i+1] == '\n' {
			redraw = false
			return i + 2, data[:i], nil
		}
		redraw = true
		return i + 1, data[:i], nil
	})

	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line, redraw)
		}
	}
}

// EnsureImage checks if an image exists locally and pulls it if not.
func EnsureImage(ctx context.Context, imageName string) error {
	exists, err := CheckDockerImageExists(ctx, imageName)
	if err != nil {
		return err
	}
	if exists {
		logger.Debug("Docker image %s already exists locally", imageName)
		return nil
	}
	if err := PullDockerImage(ctx, imageName); err != nil {
		return fmt.Errorf("failed to pull Docker image: %w", err)
	}
	return nil
}
