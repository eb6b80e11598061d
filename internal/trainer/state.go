package trainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// TrainerStateFile is written into every checkpoint by the trainer.
	TrainerStateFile = "trainer_state.json"

	checkpointPrefix = "checkpoint-"
)

// TrainerState is the subset of trainer_state.json read after training.
type TrainerState struct {
	GlobalStep          int              `json:"global_step"`
	Epoch               float64          `json:"epoch"`
	BestMetric          *float64         `json:"best_metric"`
	BestModelCheckpoint *string          `json:"best_model_checkpoint"`
	LogHistory          []map[string]any `json:"log_history"`
}

// Checkpoint is a checkpoint-N directory in the output directory.
type Checkpoint struct {
	Step int
	Path string
}

// Result summarizes a finished training run.
type Result struct {
	GlobalStep int      `json:"global_step"`
	Epoch      float64  `json:"epoch"`
	BestMetric *float64 `json:"best_metric,omitempty"`

	// BestCheckpoint is the host path of the best checkpoint, empty when
	// the trainer did not mark one.
	BestCheckpoint string `json:"best_checkpoint,omitempty"`

	// LastCheckpoint is the host path of the newest checkpoint.
	LastCheckpoint string `json:"last_checkpoint"`

	// FinalModel is the model the worker exported after training, empty
	// when it did not get that far.
	FinalModel string `json:"final_model,omitempty"`

	// TrainLoss is the final average training loss, when logged.
	TrainLoss *float64 `json:"train_loss,omitempty"`

	// EvalLosses are the evaluation losses in logging order.
	EvalLosses []float64 `json:"eval_losses,omitempty"`
}

// ListCheckpoints returns the checkpoints in outputDir ordered by step.
func ListCheckpoints(outputDir string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var checkpoints []Checkpoint
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, Checkpoint{Step: step, Path: filepath.Join(outputDir, e.Name())})
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Step < checkpoints[j].Step
	})
	return checkpoints, nil
}

// clearRunOutputs removes the checkpoints and model export of an earlier run
// in outputDir, so the result only reflects the next one.
//
// Returns:
//   - Number of directories removed
func clearRunOutputs(outputDir string) (int, error) {
	checkpoints, err := ListCheckpoints(outputDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	stale := make([]string, 0, len(checkpoints)+1)
	for _, c := range checkpoints {
		stale = append(stale, c.Path)
	}
	final := filepath.Join(outputDir, FinalModelDirName)
	if _, err := os.Stat(final); err == nil {
		stale = append(stale, final)
	}

	for _, dir := range stale {
		if err := os.RemoveAll(dir); err != nil {
			return 0, fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return len(stale), nil
}

// ReadTrainerState parses a trainer_state.json file.
func ReadTrainerState(path string) (*TrainerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trainer state: %w", err)
	}
	var st TrainerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse trainer state %s: %w", path, err)
	}
	return &st, nil
}

// ReadResult builds the run result from the newest checkpoint in outputDir.
//
// The best checkpoint path recorded by the trainer may be a path inside a
// container, so it is resolved by directory name against outputDir.
func ReadResult(outputDir string) (*Result, error) {
	checkpoints, err := ListCheckpoints(outputDir)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("trainer produced no checkpoints in %s", outputDir)
	}
	last := checkpoints[len(checkpoints)-1]

	st, err := ReadTrainerState(filepath.Join(last.Path, TrainerStateFile))
	if err != nil {
		return nil, err
	}

	res := &Result{
		GlobalStep:     st.GlobalStep,
		Epoch:          st.Epoch,
		BestMetric:     st.BestMetric,
		LastCheckpoint: last.Path,
	}

	final := filepath.Join(outputDir, FinalModelDirName)
	if info, err := os.Stat(final); err == nil && info.IsDir() {
		res.FinalModel = final
	}

	if st.BestModelCheckpoint != nil && *st.BestModelCheckpoint != "" {
		best := filepath.Join(outputDir, filepath.Base(*st.BestModelCheckpoint))
		if info, err := os.Stat(best); err == nil && info.IsDir() {
			res.BestCheckpoint = best
		}
	}

	for _, entry := range st.LogHistory {
		if v, ok := entry["eval_loss"].(float64); ok {
			res.EvalLosses = append(res.EvalLosses, v)
		}
		if v, ok := entry["train_loss"].(float64); ok {
			loss := v
			res.TrainLoss = &loss
		}
	}

	return res, nil
}

// ModelSource returns the directory SaveModel copies from: the worker's
// export, else the best checkpoint, else the newest one.
func (r *Result) ModelSource() string {
	if r.FinalModel != "" {
		return r.FinalModel
	}
	if r.BestCheckpoint != "" {
		return r.BestCheckpoint
	}
	return r.LastCheckpoint
}
