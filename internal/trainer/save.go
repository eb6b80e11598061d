package trainer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsingmao/xwtune/internal/logger"
	"github.com/tsingmao/xwtune/internal/models"
)

// checkpointOnlyFiles hold optimizer and resume state, not model weights.
var checkpointOnlyFiles = map[string]bool{
	"optimizer.pt":        true,
	"scheduler.pt":        true,
	"scaler.pt":           true,
	TrainerStateFile:      true,
	"training_args.bin":   true,
	JobFileName:           true,
	"optimizer.bin":       true,
	"random_states_0.pkl": true,
}

// isCheckpointOnly reports whether a checkpoint file is left out of the saved model.
func isCheckpointOnly(name string) bool {
	if checkpointOnlyFiles[name] {
		return true
	}
	return strings.HasPrefix(name, "rng_state")
}

// SaveBest persists a trained model to dir.
//
// The worker's final export is copied as is when present. Otherwise the
// model files of the best checkpoint (the last one when none is marked) are
// copied, then the tokenizer files from tokenizerDir, matching a save_model
// followed by tokenizer.save_pretrained. dir is replaced.
//
// Parameters:
//   - res: Result of a finished training run
//   - tokenizerDir: Directory holding the tokenizer files
//   - dir: Target directory
func SaveBest(res *Result, tokenizerDir, dir string) error {
	src := res.ModelSource()
	if src == "" {
		return fmt.Errorf("no checkpoint to save")
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	n, err := copyFiles(src, dir, func(name string) bool { return !isCheckpointOnly(name) })
	if err != nil {
		return fmt.Errorf("failed to copy model from %s: %w", src, err)
	}
	logger.Debug("Copied %d model file(s) from %s", n, src)

	if res.FinalModel != "" {
		return nil
	}

	n, err = copyFiles(tokenizerDir, dir, models.IsTokenizerFile)
	if err != nil {
		return fmt.Errorf("failed to copy tokenizer from %s: %w", tokenizerDir, err)
	}
	logger.Debug("Copied %d tokenizer file(s) from %s", n, tokenizerDir)

	return nil
}

// copyFiles copies the regular files of src accepted by keep into dst.
func copyFiles(src, dst string, keep func(name string) bool) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
