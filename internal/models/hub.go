// Package models resolves pretrained checkpoints for training.
//
// A checkpoint identifier is either a local directory or a Hugging Face Hub
// repository id. Hub repositories are downloaded with the Client in this
// file, which talks to the Hub HTTP API directly:
//   - Resumable downloads through ".tmp" files and Range requests
//   - A per-snapshot lock file against concurrent downloads
//   - SHA256 validation for LFS files
//   - Cache layout <cacheDir>/<org>--<name>/<revision>
//
// Example usage:
//
//	client := models.NewClient("https://huggingface.co", token)
//	dir, err := client.Download(ctx, "gpt2", "main", cacheDir, progressFunc)
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultUserAgent is the user agent string for HTTP requests
	DefaultUserAgent = "xwtune/1.0.0 (Go)"

	// ChunkSize is the read buffer for file downloads (8MB)
	ChunkSize = 8 * 1024 * 1024

	// lockFileName guards a snapshot directory during download
	lockFileName = ".download.lock"
)

// ErrRepoNotFound is returned when the Hub does not know the repository
// (or refuses access to it).
var ErrRepoNotFound = errors.New("repository not found")

// Client handles Hugging Face Hub API interactions and file downloads.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	userAgent  string
}

// ProgressFunc is called periodically during download to report progress.
// Parameters: filename, bytesDownloaded, totalBytes (0 when unknown)
type ProgressFunc func(filename string, downloaded, total int64)

// NewClient creates a Hub client.
//
// Parameters:
//   - endpoint: Hub base URL (e.g., "https://huggingface.co")
//   - token: Optional access token for gated or private repositories
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		token:     token,
		userAgent: DefaultUserAgent,
		httpClient: &http.Client{
			Timeout: 0, // No timeout for large downloads
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// FileInfo represents a single file in a model repository.
type FileInfo struct {
	Name   string // File path relative to the repository root
	Size   int64  // File size in bytes, 0 when the Hub does not report it
	Sha256 string // SHA256 hash, set for LFS files only
}

// RepoInfo is the subset of the Hub model API response used here.
type RepoInfo struct {
	ID       string `json:"id"`
	SHA      string `json:"sha"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
		Size      int64  `json:"size"`
		LFS       *struct {
			Sha256 string `json:"sha256"`
			Size   int64  `json:"size"`
		} `json:"lfs"`
	} `json:"siblings"`
}

// CleanRepoID extracts "org/name" from a Hub URL or returns the id trimmed.
//
// Example:
//
//	CleanRepoID("https://huggingface.co/imthanhlv/vigpt2medium/") // "imthanhlv/vigpt2medium"
func CleanRepoID(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimSuffix(input, "/")

	input = strings.TrimPrefix(input, "https://")
	input = strings.TrimPrefix(input, "http://")
	input = strings.TrimPrefix(input, "huggingface.co/")
	input = strings.TrimPrefix(input, "api/models/")

	return input
}

// SnapshotDir returns the cache directory for a repository revision.
func SnapshotDir(cacheDir, repoID, revision string) string {
	name := strings.ReplaceAll(repoID, "/", "--")
	rev := strings.ReplaceAll(revision, "/", "--")
	return filepath.Join(cacheDir, name, rev)
}

// ListFiles queries the Hub API for the files of a repository revision.
//
// Returns:
//   - Files in the repository
//   - ErrRepoNotFound (wrapped) for unknown or inaccessible repositories
func (c *Client) ListFiles(ctx context.Context, repoID, revision string) ([]FileInfo, error) {
	apiURL := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true",
		c.endpoint, repoID, url.PathEscape(revision))

	resp, err := c.get(ctx, apiURL, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s@%s", ErrRepoNotFound, repoID, revision)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var info RepoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}

	files := make([]FileInfo, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		f := FileInfo{Name: s.RFilename, Size: s.Size}
		if s.LFS != nil {
			f.Sha256 = s.LFS.Sha256
			if f.Size == 0 {
				f.Size = s.LFS.Size
			}
		}
		files = append(files, f)
	}
	return files, nil
}

// Download fetches the training-relevant files of a repository revision.
//
// This function:
//  1. Creates the snapshot directory <cacheDir>/<org>--<name>/<revision>
//  2. Takes the download lock for that directory
//  3. Lists the repository and keeps config, weight and tokenizer files
//  4. Downloads each file (with resume support) and validates LFS hashes
//
// Parameters:
//   - ctx: Context for cancellation
//   - repoID: Hub repository id (e.g., "imthanhlv/vigpt2medium")
//   - revision: Branch, tag or commit (e.g., "main")
//   - cacheDir: Base directory for cached snapshots
//   - progress: Optional callback for progress updates
//
// Returns:
//   - Local snapshot directory
//   - Error if listing or any download fails
func (c *Client) Download(
	ctx context.Context,
	repoID string,
	revision string,
	cacheDir string,
	progress ProgressFunc,
) (string, error) {
	snapshot := SnapshotDir(cacheDir, repoID, revision)
	if err := os.MkdirAll(snapshot, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	lockPath := filepath.Join(snapshot, lockFileName)
	if err := acquireLock(lockPath); err != nil {
		return "", fmt.Errorf("failed to acquire download lock: %w", err)
	}
	defer releaseLock(lockPath)

	files, err := c.ListFiles(ctx, repoID, revision)
	if err != nil {
		return "", fmt.Errorf("failed to get model files: %w", err)
	}

	for _, file := range SelectFiles(files) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		localPath := filepath.Join(snapshot, filepath.FromSlash(file.Name))
		if err := c.downloadFile(ctx, file, localPath, repoID, revision, progress); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("failed to download %s: %w", file.Name, err)
		}

		if file.Sha256 != "" {
			if err := validateFileIntegrity(localPath, file.Sha256); err != nil {
				return "", fmt.Errorf("integrity check failed for %s: %w", file.Name, err)
			}
		}
	}

	return snapshot, nil
}

// SelectFiles keeps the top-level files needed to train from a checkpoint.
//
// Config, tokenizer and PyTorch weight files are kept. When safetensors
// weights exist, the equivalent pytorch_model*.bin files are skipped.
func SelectFiles(files []FileInfo) []FileInfo {
	hasSafetensors := false
	for _, f := range files {
		if strings.HasSuffix(f.Name, ".safetensors") && !strings.Contains(f.Name, "/") {
			hasSafetensors = true
			break
		}
	}

	var selected []FileInfo
	for _, f := range files {
		if strings.Contains(f.Name, "/") {
			continue
		}
		switch {
		case IsTokenizerFile(f.Name):
		case f.Name == ConfigFile, f.Name == "generation_config.json":
		case strings.HasSuffix(f.Name, ".safetensors"),
			f.Name == "model.safetensors.index.json":
		case strings.HasPrefix(f.Name, "pytorch_model") && !hasSafetensors:
		default:
			continue
		}
		selected = append(selected, f)
	}
	return selected
}

// get issues an authenticated GET request.
func (c *Client) get(ctx context.Context, rawURL string, resumeFrom int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	return c.httpClient.Do(req)
}

// acquireLock creates a lock file to prevent concurrent downloads of the same snapshot.
//
// The lock file contains the process ID and timestamp for debugging purposes.
func acquireLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			data, _ := os.ReadFile(lockPath)
			return fmt.Errorf("model download already in progress (lock: %s). If this is stale, remove the lock file manually: %s",
				string(data), lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "pid=%d,time=%s", os.Getpid(), time.Now().Format(time.RFC3339))
	return err
}

// releaseLock removes the lock file. Safe to call when it does not exist.
func releaseLock(lockPath string) {
	os.Remove(lockPath)
}

// validateFileIntegrity verifies the SHA256 hash of a downloaded file.
//
// If the hash doesn't match, the file is deleted so the next run downloads
// it again.
func validateFileIntegrity(filePath, expectedSha256 string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file for validation: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(actual, expectedSha256) {
		file.Close()
		os.Remove(filePath)
		return fmt.Errorf("expected %s, got %s (file deleted)", expectedSha256, actual)
	}
	return nil
}

// downloadFile downloads a single file with resume support.
func (c *Client) downloadFile(
	ctx context.Context,
	file FileInfo,
	localPath string,
	repoID string,
	revision string,
	progress ProgressFunc,
) (err error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}

	// An existing file is complete when its size matches, or when the Hub
	// did not report a size at all.
	if stat, statErr := os.Stat(localPath); statErr == nil {
		if file.Size == 0 || stat.Size() == file.Size {
			if progress != nil {
				progress(file.Name, stat.Size(), stat.Size())
			}
			return nil
		}
	}

	tmpPath := localPath + ".tmp"
	var resumeFrom int64
	if stat, statErr := os.Stat(tmpPath); statErr == nil {
		if file.Size > 0 && stat.Size() < file.Size {
			resumeFrom = stat.Size()
		} else {
			os.Remove(tmpPath)
		}
	}

	if progress != nil {
		progress(file.Name, resumeFrom, file.Size)
	}

	downloadURL := fmt.Sprintf("%s/%s/resolve/%s/%s",
		c.endpoint, repoID, url.PathEscape(revision), escapeFilePath(file.Name))

	resp, err := c.get(ctx, downloadURL, resumeFrom)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the Range header, start over.
		resumeFrom = 0
		flags |= os.O_TRUNC
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("download %s returned status %d: %s", file.Name, resp.StatusCode, string(body))
	}

	total := file.Size
	if total == 0 && resp.ContentLength > 0 {
		total = resumeFrom + resp.ContentLength
	}

	out, err := os.OpenFile(tmpPath, flags, 0644)
	if err != nil {
		return err
	}
	defer func() {
		out.Close()
		if err != nil && ctx.Err() == nil {
			os.Remove(tmpPath)
		}
	}()

	downloaded := resumeFrom
	buf := make([]byte, ChunkSize)
	lastReport := time.Now()

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err = out.Write(buf[:n]); err != nil {
				return err
			}
			downloaded += int64(n)

			if progress != nil && time.Since(lastReport) > 500*time.Millisecond {
				progress(file.Name, downloaded, total)
				lastReport = time.Now()
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			err = readErr
			return err
		}
	}

	if progress != nil {
		progress(file.Name, downloaded, total)
	}

	if total > 0 && downloaded != total {
		err = fmt.Errorf("download incomplete: expected %d bytes, got %d", total, downloaded)
		return err
	}

	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, localPath)
}

// escapeFilePath escapes each segment of a repository file path.
func escapeFilePath(name string) string {
	segments := strings.Split(path.Clean(name), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
