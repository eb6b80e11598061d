package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/schedule"
)

// testJob returns a valid job rooted in a temp directory.
func testJob(t *testing.T) *Job {
	t.Helper()
	root := t.TempDir()

	s := config.NewDefaultSettings()
	s.OutputDir = filepath.Join(root, "out")
	cfg := &config.TrainingConfig{BatchSize: 8, GradientAccumulationSteps: 2, TrainingEpoch: 3, LearningRate: 5e-5}
	sched, err := schedule.Compute(1000, 8, 2, 1, 5)
	require.NoError(t, err)

	tokenizer := filepath.Join(root, "model")
	writeFiles(t, tokenizer, map[string]string{
		"config.json":       `{"model_type":"gpt2"}`,
		"model.safetensors": "weights",
		"tokenizer.json":    `{}`,
		"vocab.json":        `{}`,
		"merges.txt":        "#version: 0.2",
	})

	return &Job{
		TrainingArgs:  BuildArguments(s, cfg, sched, 2),
		Collator:      CausalLMCollator(),
		ModelPath:     tokenizer,
		TokenizerPath: tokenizer,
		TrainDataset:  filepath.Join(root, "data", "train"),
		EvalDataset:   filepath.Join(root, "data", "test"),
		GPUCount:      1,
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

// writeCheckpoint writes a checkpoint-N directory like the trainer does.
func writeCheckpoint(t *testing.T, outputDir string, step int, state TrainerState) string {
	t.Helper()
	dir := filepath.Join(outputDir, "checkpoint-"+strconv.Itoa(step))
	data, err := json.Marshal(state)
	require.NoError(t, err)
	writeFiles(t, dir, map[string]string{
		"config.json":            `{"model_type":"gpt2"}`,
		"model.safetensors":      "weights-" + strconv.Itoa(step),
		"optimizer.pt":           "opt",
		"scheduler.pt":           "sched",
		"rng_state.pth":          "rng",
		"training_args.bin":      "args",
		TrainerStateFile:         string(data),
		"generation_config.json": `{}`,
	})
	return dir
}

func ptr[T any](v T) *T { return &v }
