package models

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/logger"
)

// ConfigFile is the model configuration file of a checkpoint.
const ConfigFile = "config.json"

// contextLengthKeys are the config.json fields models use for context length,
// in lookup order.
var contextLengthKeys = []string{
	"max_position_embeddings",
	"n_positions",
	"max_seq_len",
	"max_sequence_length",
	"seq_length",
}

// tokenizerFiles are the files a tokenizer may consist of.
var tokenizerFiles = map[string]bool{
	"tokenizer.json":          true,
	"tokenizer_config.json":   true,
	"special_tokens_map.json": true,
	"added_tokens.json":       true,
	"vocab.json":              true,
	"merges.txt":              true,
	"vocab.txt":               true,
	"tokenizer.model":         true,
	"spiece.model":            true,
	"sentencepiece.bpe.model": true,
}

// IsTokenizerFile reports whether a checkpoint file belongs to the tokenizer.
func IsTokenizerFile(name string) bool {
	return tokenizerFiles[filepath.Base(name)]
}

// ModelConfig is the parsed subset of a checkpoint's config.json.
type ModelConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	VocabSize     int      `json:"vocab_size"`
	TorchDtype    string   `json:"torch_dtype,omitempty"`

	// ContextLength is read from the first of contextLengthKeys present.
	ContextLength int `json:"-"`
}

// Model is a resolved pretrained checkpoint.
type Model struct {
	// Checkpoint is the identifier the model was loaded by.
	Checkpoint string `json:"checkpoint"`

	// Path is the local checkpoint directory.
	Path string `json:"path"`

	// Config is the parsed config.json.
	Config ModelConfig `json:"config"`

	// WeightFiles lists the weight files found in Path.
	WeightFiles []string `json:"weight_files"`

	// SizeBytes is the total size of WeightFiles.
	SizeBytes int64 `json:"size_bytes"`
}

// String returns a one-line description for logs.
func (m *Model) String() string {
	arch := m.Config.ModelType
	if len(m.Config.Architectures) > 0 {
		arch = m.Config.Architectures[0]
	}
	return fmt.Sprintf("%s (%s, vocab %d, context %d, %s)",
		m.Checkpoint, arch, m.Config.VocabSize, m.Config.ContextLength, humanize.Bytes(uint64(m.SizeBytes)))
}

// Tokenizer kinds.
const (
	TokenizerFast          = "fast"
	TokenizerBPE           = "bpe"
	TokenizerSentencePiece = "sentencepiece"
	TokenizerWordPiece     = "wordpiece"
)

// Tokenizer is a resolved pretrained tokenizer.
type Tokenizer struct {
	Checkpoint string   `json:"checkpoint"`
	Path       string   `json:"path"`
	Kind       string   `json:"kind"`
	Files      []string `json:"files"`

	BOSToken string `json:"bos_token,omitempty"`
	EOSToken string `json:"eos_token,omitempty"`
	PADToken string `json:"pad_token,omitempty"`
	UNKToken string `json:"unk_token,omitempty"`

	// ModelMaxLength is 0 when tokenizer_config.json leaves it unbounded.
	ModelMaxLength int `json:"model_max_length,omitempty"`
}

// String returns a one-line description for logs.
func (t *Tokenizer) String() string {
	return fmt.Sprintf("%s (%s, %d files)", t.Checkpoint, t.Kind, len(t.Files))
}

// Loader resolves checkpoints to local directories and loads them.
//
// Resolved directories are memoized per checkpoint, so loading the model and
// the tokenizer from the same Hub repository downloads it once.
type Loader struct {
	client   *Client
	cacheDir string
	revision string
	progress ProgressFunc

	mu       sync.Mutex
	resolved map[string]string
}

// NewLoader creates a loader from run settings.
func NewLoader(s *config.Settings) *Loader {
	return &Loader{
		client:   NewClient(s.HubEndpoint, s.HubToken),
		cacheDir: s.CacheDir,
		revision: s.Revision,
		progress: logProgress,
		resolved: make(map[string]string),
	}
}

// WithProgress replaces the download progress callback (nil disables it).
func (l *Loader) WithProgress(fn ProgressFunc) *Loader {
	l.progress = fn
	return l
}

// logProgress reports finished files at debug level.
func logProgress(filename string, downloaded, total int64) {
	if total > 0 && downloaded == total {
		logger.Debug("Downloaded %s (%s)", filename, humanize.Bytes(uint64(total)))
	}
}

// Resolve returns the local directory for a checkpoint.
//
// Existing directories are used as-is. Anything else is treated as a Hub
// repository id and downloaded into the cache.
func (l *Loader) Resolve(ctx context.Context, checkpoint string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir, ok := l.resolved[checkpoint]; ok {
		return dir, nil
	}

	if info, err := os.Stat(checkpoint); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("checkpoint %s is not a directory", checkpoint)
		}
		l.resolved[checkpoint] = checkpoint
		return checkpoint, nil
	}

	if looksLikePath(checkpoint) {
		return "", fmt.Errorf("checkpoint directory %s does not exist", checkpoint)
	}

	repoID := CleanRepoID(checkpoint)
	if repoID == "" {
		return "", fmt.Errorf("invalid checkpoint identifier %q", checkpoint)
	}

	logger.Info("Resolving %s@%s from the Hub", repoID, l.revision)
	dir, err := l.client.Download(ctx, repoID, l.revision, l.cacheDir, l.progress)
	if err != nil {
		return "", err
	}

	l.resolved[checkpoint] = dir
	return dir, nil
}

// looksLikePath reports whether an identifier is clearly a filesystem path.
func looksLikePath(id string) bool {
	return strings.HasPrefix(id, "/") || strings.HasPrefix(id, "./") ||
		strings.HasPrefix(id, "../") || strings.HasPrefix(id, "~")
}

// LoadModel resolves a checkpoint and reads its configuration and weights.
//
// Parameters:
//   - ctx: Context for cancellation of downloads
//   - checkpoint: Local directory or Hub repository id
//
// Returns:
//   - The resolved model
//   - Error if the checkpoint cannot be resolved, config.json is missing or
//     invalid, or no weight files are present
func (l *Loader) LoadModel(ctx context.Context, checkpoint string) (*Model, error) {
	dir, err := l.Resolve(ctx, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model %s: %w", checkpoint, err)
	}

	cfg, err := ReadModelConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}

	m := &Model{Checkpoint: checkpoint, Path: dir, Config: *cfg}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read model directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isWeightFile(e.Name()) {
			continue
		}
		m.WeightFiles = append(m.WeightFiles, e.Name())
		if info, err := e.Info(); err == nil {
			m.SizeBytes += info.Size()
		}
	}
	if len(m.WeightFiles) == 0 {
		return nil, fmt.Errorf("no weight files (*.safetensors, pytorch_model*.bin) in %s", dir)
	}
	sort.Strings(m.WeightFiles)

	return m, nil
}

// isWeightFile reports whether a checkpoint file holds model weights.
func isWeightFile(name string) bool {
	if strings.HasSuffix(name, ".safetensors") {
		return true
	}
	return strings.HasPrefix(name, "pytorch_model") && strings.HasSuffix(name, ".bin")
}

// ReadModelConfig parses a config.json file.
func ReadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config %s: %w", path, err)
	}

	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}
	for _, key := range contextLengthKeys {
		if v, ok := raw[key].(float64); ok && v > 0 {
			cfg.ContextLength = int(v)
			break
		}
	}

	return &cfg, nil
}

// LoadTokenizer resolves a checkpoint and identifies its tokenizer files.
//
// A usable tokenizer needs tokenizer.json, or vocab.json with merges.txt,
// or a sentencepiece model, or a WordPiece vocab.txt.
func (l *Loader) LoadTokenizer(ctx context.Context, checkpoint string) (*Tokenizer, error) {
	dir, err := l.Resolve(ctx, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tokenizer %s: %w", checkpoint, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer directory: %w", err)
	}

	present := make(map[string]bool)
	tok := &Tokenizer{Checkpoint: checkpoint, Path: dir}
	for _, e := range entries {
		if !e.IsDir() && IsTokenizerFile(e.Name()) {
			present[e.Name()] = true
			tok.Files = append(tok.Files, e.Name())
		}
	}
	sort.Strings(tok.Files)

	switch {
	case present["tokenizer.json"]:
		tok.Kind = TokenizerFast
	case present["vocab.json"] && present["merges.txt"]:
		tok.Kind = TokenizerBPE
	case present["tokenizer.model"] || present["spiece.model"] || present["sentencepiece.bpe.model"]:
		tok.Kind = TokenizerSentencePiece
	case present["vocab.txt"]:
		tok.Kind = TokenizerWordPiece
	default:
		return nil, fmt.Errorf("no tokenizer files in %s", dir)
	}

	if present["tokenizer_config.json"] {
		if err := tok.readConfig(filepath.Join(dir, "tokenizer_config.json")); err != nil {
			return nil, err
		}
	}

	return tok, nil
}

// maxReasonableLength bounds model_max_length; transformers writes a huge
// sentinel (1e30) when the length is unbounded.
const maxReasonableLength = 1 << 24

// readConfig reads special tokens and max length from tokenizer_config.json.
func (t *Tokenizer) readConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tokenizer config: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse tokenizer config %s: %w", path, err)
	}

	t.BOSToken = tokenContent(raw["bos_token"])
	t.EOSToken = tokenContent(raw["eos_token"])
	t.PADToken = tokenContent(raw["pad_token"])
	t.UNKToken = tokenContent(raw["unk_token"])

	if v, ok := raw["model_max_length"].(float64); ok && v > 0 && v < maxReasonableLength {
		t.ModelMaxLength = int(v)
	}
	return nil
}

// tokenContent extracts a special token, which is either a plain string or
// an AddedToken object with a "content" field.
func tokenContent(v any) string {
	switch tok := v.(type) {
	case string:
		return tok
	case map[string]any:
		if s, ok := tok["content"].(string); ok {
			return s
		}
	}
	return ""
}
