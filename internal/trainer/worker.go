package trainer

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// WorkerModule is the Python module the default command runs.
	WorkerModule = "xwtune_worker"

	// FinalModelDirName is where the worker exports the best model and
	// tokenizer, under the output directory.
	FinalModelDirName = "final_model"
)

// workerSource is the Hugging Face Trainer entry point shipped with the binary.
//
//go:embed xwtune_worker.py
var workerSource []byte

// WorkerSource returns the embedded worker script.
func WorkerSource() []byte {
	return workerSource
}

// writeWorker installs the worker module in dir, which the runners put on
// PYTHONPATH.
func writeWorker(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create worker directory: %w", err)
	}
	path := filepath.Join(dir, WorkerModule+".py")
	if err := os.WriteFile(path, workerSource, 0644); err != nil {
		return fmt.Errorf("failed to write worker: %w", err)
	}
	return nil
}

// pythonPath prepends dir to an existing PYTHONPATH value.
func pythonPath(dir, existing string) string {
	if existing == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + existing
}
