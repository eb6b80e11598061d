// Package config provides configuration management for xwtune.
//
// This package handles all configuration-related functionality including:
//   - Run settings (dataset, checkpoint, output paths, trainer backend)
//   - The training hyperparameter file (training_config.yaml)
//   - The GPU device table used by hardware detection
//
// Settings are resolved once at startup from built-in defaults, an optional
// .env file and the process environment. After Load returns, the Settings
// value is treated as immutable and passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tsingmao/xwtune/internal/logger"
)

const (
	// DefaultDatasetDir is the directory holding the train and test splits.
	DefaultDatasetDir = "./data/fashion/processed/article_512"

	// DefaultTrainingConfigPath is the hyperparameter file location.
	DefaultTrainingConfigPath = "./config/training_config.yaml"

	// DefaultCheckpoint is the pretrained model/tokenizer identifier.
	DefaultCheckpoint = "imthanhlv/vigpt2medium"

	// DefaultOutputDir receives intermediate checkpoints and logs.
	DefaultOutputDir = "training_article"

	// DefaultBestModelDirName is the final model directory under the output dir.
	DefaultBestModelDirName = "best_model"

	// DefaultSaveTotalLimit is the maximum number of checkpoints kept on disk.
	DefaultSaveTotalLimit = 5

	// DefaultWarmupEpochs multiplies steps per epoch to obtain warmup steps.
	DefaultWarmupEpochs = 5

	// DefaultHubEndpoint is the Hugging Face Hub base URL.
	DefaultHubEndpoint = "https://huggingface.co"

	// DefaultRevision is the checkpoint revision to resolve.
	DefaultRevision = "main"

	// DefaultCommand is the worker command for both backends. It runs the
	// worker module the runners install in the output directory.
	DefaultCommand = "python -m xwtune_worker"

	// DataloaderWorkersAuto sizes the dataloader pool from the host CPUs.
	DataloaderWorkersAuto = -1

	// DefaultEnvFile is loaded into the environment when present.
	DefaultEnvFile = ".env"
)

// Trainer backends.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

// Settings is the complete, explicit run configuration.
//
// Every field has a documented default; environment variables override the
// defaults and CLI flags override the environment.
type Settings struct {
	// DatasetDir holds the "train" and "test" split directories.
	DatasetDir string `json:"dataset_dir"`

	// TrainingConfigPath is the YAML hyperparameter file.
	TrainingConfigPath string `json:"training_config"`

	// Checkpoint is a local directory or a Hub repository id.
	Checkpoint string `json:"checkpoint"`

	// Revision is the Hub revision used when resolving Checkpoint.
	Revision string `json:"revision"`

	// OutputDir receives intermediate checkpoints.
	OutputDir string `json:"output_dir"`

	// BestModelDir receives the final model and tokenizer.
	BestModelDir string `json:"best_model_dir"`

	// SaveTotalLimit caps the number of checkpoints kept on disk.
	SaveTotalLimit int `json:"save_total_limit"`

	// WarmupEpochs is the number of epochs worth of warmup steps.
	WarmupEpochs int `json:"warmup_epochs"`

	// CacheDir stores downloaded checkpoints.
	CacheDir string `json:"cache_dir"`

	// HubEndpoint is the Hub base URL (HF_ENDPOINT).
	HubEndpoint string `json:"hub_endpoint"`

	// HubToken authenticates Hub requests (HF_TOKEN). Never serialized.
	HubToken string `json:"-"`

	// Backend selects the trainer implementation: "docker" or "process".
	Backend string `json:"backend"`

	// Image is the worker image for the docker backend. When empty, the
	// device table's image for the detected vendor and architecture is used.
	Image string `json:"image,omitempty"`

	// Command is the worker command line.
	Command []string `json:"command"`

	// VisibleDevices mirrors CUDA_VISIBLE_DEVICES. Nil when unset.
	VisibleDevices *string `json:"visible_devices,omitempty"`

	// GPUCount overrides hardware detection when positive.
	GPUCount int `json:"gpu_count"`

	// PlaceModelOnDevice is forwarded to the worker only when set.
	PlaceModelOnDevice *bool `json:"place_model_on_device,omitempty"`

	// DeviceConfigPath points to a custom GPU device table.
	DeviceConfigPath string `json:"device_config,omitempty"`

	// EarlyStoppingPatience stops training after this many evaluations
	// without improvement. 0 disables early stopping.
	EarlyStoppingPatience int `json:"early_stopping_patience,omitempty"`

	// ProcessPTY runs the process backend worker under a pseudo-terminal.
	ProcessPTY bool `json:"process_pty,omitempty"`

	// DataloaderWorkers is dataloader_num_workers. 0 loads batches in the
	// main process; DataloaderWorkersAuto derives it from the host.
	DataloaderWorkers int `json:"dataloader_workers"`
}

// NewDefaultSettings creates settings populated with the built-in defaults.
//
// Returns:
//   - A pointer to a newly created Settings with default values
//
// Example:
//
//	s := config.NewDefaultSettings()
//	fmt.Println(s.BestModelDir) // training_article/best_model
func NewDefaultSettings() *Settings {
	return &Settings{
		DatasetDir:         DefaultDatasetDir,
		TrainingConfigPath: DefaultTrainingConfigPath,
		Checkpoint:         DefaultCheckpoint,
		Revision:           DefaultRevision,
		OutputDir:          DefaultOutputDir,
		BestModelDir:       filepath.Join(DefaultOutputDir, DefaultBestModelDirName),
		SaveTotalLimit:     DefaultSaveTotalLimit,
		WarmupEpochs:       DefaultWarmupEpochs,
		CacheDir:           defaultCacheDir(),
		HubEndpoint:        DefaultHubEndpoint,
		Backend:            BackendDocker,
		Command:            strings.Fields(DefaultCommand),
	}
}

// defaultCacheDir returns ~/.cache/xwtune/models, falling back to /tmp.
func defaultCacheDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}
	return filepath.Join(homeDir, ".cache", "xwtune", "models")
}

// Load resolves settings from defaults, an optional .env file and the
// process environment.
//
// The .env file never overrides variables already present in the
// environment. A missing .env file is not an error; a malformed one is.
//
// Parameters:
//   - envFile: Path to the .env file (empty string skips it)
//
// Returns:
//   - Resolved settings
//   - Error if the .env file cannot be parsed or a variable is invalid
func Load(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
			logger.Debug("No env file at %s", envFile)
		} else {
			logger.Debug("Loaded environment from %s", envFile)
		}
	}

	s := NewDefaultSettings()
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnv overrides fields from environment variables.
func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("XWTUNE_DATASET_DIR", &s.DatasetDir)
	str("XWTUNE_TRAINING_CONFIG", &s.TrainingConfigPath)
	str("XWTUNE_CHECKPOINT", &s.Checkpoint)
	str("XWTUNE_REVISION", &s.Revision)

	if v, ok := lookup("XWTUNE_OUTPUT_DIR"); ok && v != "" {
		s.OutputDir = v
		s.BestModelDir = filepath.Join(v, DefaultBestModelDirName)
	}
	if v, ok := lookup("XWTUNE_BEST_MODEL_DIR"); ok && v != "" {
		s.BestModelDir = v
	}

	if v, ok := lookup("HF_HOME"); ok && v != "" {
		s.CacheDir = filepath.Join(v, "xwtune")
	}
	str("XWTUNE_CACHE_DIR", &s.CacheDir)
	str("HF_ENDPOINT", &s.HubEndpoint)
	str("HF_TOKEN", &s.HubToken)
	str("XWTUNE_BACKEND", &s.Backend)
	str("XWTUNE_IMAGE", &s.Image)
	str("XWTUNE_DEVICE_CONFIG", &s.DeviceConfigPath)

	if v, ok := lookup("XWTUNE_COMMAND"); ok && v != "" {
		s.Command = strings.Fields(v)
	}

	// An empty CUDA_VISIBLE_DEVICES hides every GPU, so presence matters.
	if v, ok := lookup("CUDA_VISIBLE_DEVICES"); ok {
		visible := v
		s.VisibleDevices = &visible
	}

	if err := num("XWTUNE_SAVE_TOTAL_LIMIT", &s.SaveTotalLimit); err != nil {
		return err
	}
	if err := num("XWTUNE_WARMUP_EPOCHS", &s.WarmupEpochs); err != nil {
		return err
	}
	if err := num("XWTUNE_GPU_COUNT", &s.GPUCount); err != nil {
		return err
	}
	if err := num("XWTUNE_EARLY_STOPPING_PATIENCE", &s.EarlyStoppingPatience); err != nil {
		return err
	}

	if v, ok := lookup("XWTUNE_DATALOADER_WORKERS"); ok && strings.TrimSpace(v) == "auto" {
		s.DataloaderWorkers = DataloaderWorkersAuto
	} else if err := num("XWTUNE_DATALOADER_WORKERS", &s.DataloaderWorkers); err != nil {
		return err
	}

	if v, ok := lookup("XWTUNE_PROCESS_PTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid XWTUNE_PROCESS_PTY=%q: %w", v, err)
		}
		s.ProcessPTY = b
	}

	if v, ok := lookup("XWTUNE_PLACE_MODEL_ON_DEVICE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid XWTUNE_PLACE_MODEL_ON_DEVICE=%q: %w", v, err)
		}
		s.PlaceModelOnDevice = &b
	}

	return nil
}

// Validate checks that the settings are usable.
//
// Returns:
//   - nil if valid
//   - Error describing the first invalid field
func (s *Settings) Validate() error {
	if s.DatasetDir == "" {
		return fmt.Errorf("dataset directory is required")
	}
	if s.TrainingConfigPath == "" {
		return fmt.Errorf("training config path is required")
	}
	if s.Checkpoint == "" {
		return fmt.Errorf("checkpoint is required")
	}
	if s.OutputDir == "" || s.BestModelDir == "" {
		return fmt.Errorf("output directories are required")
	}
	if s.SaveTotalLimit < 1 {
		return fmt.Errorf("save_total_limit must be at least 1, got %d", s.SaveTotalLimit)
	}
	if s.WarmupEpochs < 0 {
		return fmt.Errorf("warmup epochs must not be negative, got %d", s.WarmupEpochs)
	}
	if s.GPUCount < 0 {
		return fmt.Errorf("gpu count must not be negative, got %d", s.GPUCount)
	}
	if s.DataloaderWorkers < DataloaderWorkersAuto {
		return fmt.Errorf("dataloader workers must be a count or auto, got %d", s.DataloaderWorkers)
	}
	if s.EarlyStoppingPatience < 0 {
		return fmt.Errorf("early stopping patience must not be negative, got %d", s.EarlyStoppingPatience)
	}
	switch s.Backend {
	case BackendDocker:
	case BackendProcess:
		if len(s.Command) == 0 {
			return fmt.Errorf("process backend requires a command")
		}
	default:
		return fmt.Errorf("unknown trainer backend %q (want %q or %q)", s.Backend, BackendDocker, BackendProcess)
	}
	return nil
}

// TrainSplitDir returns the train split directory.
func (s *Settings) TrainSplitDir() string {
	return filepath.Join(s.DatasetDir, "train")
}

// TestSplitDir returns the test split directory.
func (s *Settings) TestSplitDir() string {
	return filepath.Join(s.DatasetDir, "test")
}

// EnsureDirectories creates the output and cache directories.
//
// Directories are created with 0755 permissions.
//
// Returns:
//   - nil if all directories exist or were created
//   - error if any directory creation fails
func (s *Settings) EnsureDirectories() error {
	for _, dir := range []string{s.OutputDir, s.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
