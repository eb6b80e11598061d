// Package dataset loads pre-tokenized dataset splits from disk.
//
// A split directory is the output of the datasets library's save_to_disk:
//
//	train/
//	  dataset_info.json
//	  state.json
//	  data-00000-of-00002.arrow
//	  data-00001-of-00002.arrow
//
// state.json lists the Arrow data files in order. Each data file is an Arrow
// IPC stream; the split's length is the sum of the record-batch lengths.
// Splits are opened read-only and never modified.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"

	"github.com/tsingmao/xwtune/internal/logger"
)

const (
	// StateFile lists the split's Arrow data files.
	StateFile = "state.json"

	// InputIDsColumn is the token column every pre-tokenized split carries.
	InputIDsColumn = "input_ids"
)

// ErrNotSaveToDisk is returned for directories without a state.json.
var ErrNotSaveToDisk = errors.New("directory is not a saved dataset split")

// Split is a loaded, read-only dataset split.
type Split struct {
	// Name is the split name from state.json (e.g., "train").
	Name string `json:"name"`

	// Path is the split directory.
	Path string `json:"path"`

	// NumRows is the number of examples.
	NumRows int `json:"num_rows"`

	// Columns lists the Arrow schema field names.
	Columns []string `json:"columns"`

	// Fingerprint identifies the split contents.
	Fingerprint string `json:"fingerprint,omitempty"`

	// DataFiles lists the Arrow files in load order.
	DataFiles []string `json:"data_files"`

	// SizeBytes is the total size of the data files.
	SizeBytes int64 `json:"size_bytes"`
}

// Len returns the number of examples in the split.
func (s *Split) Len() int {
	return s.NumRows
}

// HasColumn reports whether the split has the named column.
func (s *Split) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// String renders a one-line summary for logs.
func (s *Split) String() string {
	return fmt.Sprintf("%s: %d rows, %d file(s), %s, columns=%v",
		s.Name, s.NumRows, len(s.DataFiles), humanize.Bytes(uint64(s.SizeBytes)), s.Columns)
}

// state mirrors the fields of state.json used here.
type state struct {
	DataFiles []struct {
		Filename string `json:"filename"`
	} `json:"_data_files"`
	Fingerprint string `json:"_fingerprint"`
	Split       string `json:"_split"`
}

// LoadSplit opens a saved split directory and counts its rows.
//
// Parameters:
//   - dir: Split directory written by save_to_disk
//
// Returns:
//   - The loaded Split
//   - Error if the directory does not exist, is not a saved split, or any
//     data file is not a readable Arrow IPC stream
//
// Example:
//
//	train, err := dataset.LoadSplit("./data/fashion/processed/article_512/train")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(train.Len())
func LoadSplit(dir string) (*Split, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset split %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset split %s is not a directory", dir)
	}

	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w (no %s)", dir, ErrNotSaveToDisk, StateFile)
		}
		return nil, fmt.Errorf("failed to read %s: %w", StateFile, err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse %s in %s: %w", StateFile, dir, err)
	}
	if len(st.DataFiles) == 0 {
		return nil, fmt.Errorf("%s in %s lists no data files", StateFile, dir)
	}

	split := &Split{
		Name:        st.Split,
		Path:        dir,
		Fingerprint: st.Fingerprint,
	}
	if split.Name == "" {
		split.Name = filepath.Base(dir)
	}

	mem := memory.NewGoAllocator()
	for _, f := range st.DataFiles {
		path := filepath.Join(dir, f.Filename)
		rows, columns, size, err := readArrowStream(path, mem)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if split.Columns == nil {
			split.Columns = columns
		}
		split.NumRows += rows
		split.SizeBytes += size
		split.DataFiles = append(split.DataFiles, f.Filename)
	}

	logger.Debug("Loaded dataset split %s", split)
	return split, nil
}

// readArrowStream counts the rows of one Arrow IPC stream file.
func readArrowStream(path string, mem memory.Allocator) (int, []string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, 0, err
	}

	r, err := ipc.NewReader(bufio.NewReader(f), ipc.WithAllocator(mem))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("not an Arrow IPC stream: %w", err)
	}
	defer r.Release()

	var columns []string
	for _, field := range r.Schema().Fields() {
		columns = append(columns, field.Name)
	}

	rows := 0
	for r.Next() {
		rows += int(r.Record().NumRows())
	}
	if err := r.Err(); err != nil {
		return 0, nil, 0, err
	}

	return rows, columns, info.Size(), nil
}

// Splits holds the train and evaluation splits of a dataset.
type Splits struct {
	Train *Split `json:"train"`
	Test  *Split `json:"test"`
}

// LoadFromDisk loads the "train" and "test" splits under root.
//
// Both splits must contain the input_ids column, as the trainer consumes
// pre-tokenized examples only.
//
// Parameters:
//   - root: Directory holding the train and test split directories
//
// Returns:
//   - Loaded splits
//   - Error if either split fails to load or is not tokenized
func LoadFromDisk(root string) (*Splits, error) {
	train, err := LoadSplit(filepath.Join(root, "train"))
	if err != nil {
		return nil, fmt.Errorf("failed to load train split: %w", err)
	}
	test, err := LoadSplit(filepath.Join(root, "test"))
	if err != nil {
		return nil, fmt.Errorf("failed to load test split: %w", err)
	}

	for _, s := range []*Split{train, test} {
		if !s.HasColumn(InputIDsColumn) {
			return nil, fmt.Errorf("split %s has no %s column (columns: %v)", s.Path, InputIDsColumn, s.Columns)
		}
	}

	return &Splits{Train: train, Test: test}, nil
}

// Loader loads dataset splits from disk.
type Loader struct{}

// Load implements the orchestrator's dataset loading step.
func (Loader) Load(root string) (*Splits, error) {
	return LoadFromDisk(root)
}
