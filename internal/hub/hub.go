// Package hub downloads model repository files from the Hugging Face hub
// and caches them in a local directory.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BaseURL is the hub endpoint files are resolved against.
const BaseURL = "https://huggingface.co"

// DefaultRepo is the classifier repository converted by default.
const DefaultRepo = "nvidia/prompt-task-and-complexity-classifier"

// Required repository files. Exactly one checkpoint file must resolve;
// safetensors is preferred over GGUF.
var (
	ConfigFile      = "config.json"
	CheckpointFiles = []string{"model.safetensors", "model.gguf"}
	TokenizerFiles  = []string{"tokenizer.json", "tokenizer_config.json", "spm.model", "special_tokens_map.json"}
)

// Client fetches repository files and caches them on disk.
type Client struct {
	baseURL   string
	cacheDir  string
	http      *http.Client
	checksums map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the hub endpoint (used by tests and mirrors).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithChecksums sets expected SHA-256 digests keyed by file name. Fetched
// files with a listed digest are verified, cache hits included.
func WithChecksums(sums map[string]string) Option {
	return func(c *Client) { c.checksums = sums }
}

// NewClient creates a hub client caching files under cacheDir.
func NewClient(cacheDir string, opts ...Option) *Client {
	c := &Client{
		baseURL:  BaseURL,
		cacheDir: cacheDir,
		http:     &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheDir returns the directory files for repo are cached in.
func (c *Client) CacheDir(repo string) string {
	return filepath.Join(c.cacheDir, strings.ReplaceAll(repo, "/", "--"))
}

// resolveURL builds the download URL for a file in a repo.
func (c *Client) resolveURL(repo, file string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repo, file)
}

// FetchFile downloads a single file from repo into the cache, returning
// the local path. A previously cached file is reused without a request.
func (c *Client) FetchFile(ctx context.Context, repo, file string) (string, error) {
	dir := c.CacheDir(repo)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	local := filepath.Join(dir, file)
	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		if err := VerifySHA256(local, c.checksums[file]); err != nil {
			return "", err
		}
		return local, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolveURL(repo, file), nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", file, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", file, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &NotFoundError{Repo: repo, File: file}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", file, resp.Status)
	}

	// Write to a temp file first so a partial download never
	// masquerades as a cached artifact.
	tmp, err := os.CreateTemp(dir, file+".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", file, err)
	}
	// Reject the download before it lands in the cache.
	if err := VerifySHA256(tmp.Name(), c.checksums[file]); err != nil {
		return "", fmt.Errorf("downloaded %s: %w", file, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return "", fmt.Errorf("finalize %s: %w", file, err)
	}
	return local, nil
}

// NotFoundError reports a file missing from a repository.
type NotFoundError struct {
	Repo string
	File string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("hub: %s not found in %s", e.File, e.Repo)
}

// Snapshot holds the local paths of a fetched model repository.
type Snapshot struct {
	Repo       string
	Dir        string
	ConfigPath string
	// CheckpointPath points at the first checkpoint file that resolved.
	CheckpointPath string
	// TokenizerPaths maps tokenizer file names to local paths. Optional
	// tokenizer files missing upstream are absent from the map.
	TokenizerPaths map[string]string
}

// FetchModel downloads everything the converter needs for repo: the model
// config, one checkpoint file and whichever tokenizer files the repository
// publishes.
func (c *Client) FetchModel(ctx context.Context, repo string) (*Snapshot, error) {
	snap := &Snapshot{
		Repo:           repo,
		Dir:            c.CacheDir(repo),
		TokenizerPaths: make(map[string]string),
	}

	configPath, err := c.FetchFile(ctx, repo, ConfigFile)
	if err != nil {
		return nil, err
	}
	snap.ConfigPath = configPath

	for _, name := range CheckpointFiles {
		path, err := c.FetchFile(ctx, repo, name)
		if err == nil {
			snap.CheckpointPath = path
			break
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}
	if snap.CheckpointPath == "" {
		return nil, fmt.Errorf("hub: no checkpoint file in %s (tried %s)", repo, strings.Join(CheckpointFiles, ", "))
	}

	for _, name := range TokenizerFiles {
		path, err := c.FetchFile(ctx, repo, name)
		if err == nil {
			snap.TokenizerPaths[name] = path
			continue
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}
	if len(snap.TokenizerPaths) == 0 {
		return nil, fmt.Errorf("hub: no tokenizer files in %s", repo)
	}
	return snap, nil
}

// VerifySHA256 checks a downloaded file against an expected hex digest.
// An empty expected digest skips the check.
func VerifySHA256(path, expected string) error {
	if expected == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("hub: checksum mismatch for %s: got %s, want %s", filepath.Base(path), got, expected)
	}
	return nil
}
