// Package convert runs the conversion pipeline: fetch a pretrained
// classifier, capture its forward pass as a graph, and emit a deployment
// artifact plus the tokenizer and metadata files the runtime needs.
package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/castml/promptcast/internal/hub"
)

// ConfigFile is the optional per-directory override file.
const ConfigFile = "promptcast.yaml"

// DefaultSampleText is the deterministic capture input. Changing it changes
// the traced activations but not the graph structure.
const DefaultSampleText = "Explain the theory of relativity."

// DefaultSeqLen is the fixed tokenized length of the capture input.
const DefaultSeqLen = 128

// Config controls one pipeline run. Precedence is defaults, then
// promptcast.yaml, then PROMPTCAST_* environment variables.
type Config struct {
	Repo       string `yaml:"repo"`
	CacheDir   string `yaml:"cache_dir"`
	OutputDir  string `yaml:"output_dir"`
	SampleText string `yaml:"sample_text"`
	SeqLen     int    `yaml:"sequence_length"`
	HubBaseURL string `yaml:"hub_base_url"`
	// Checksums pins expected SHA-256 digests by repository file name.
	// Fetched files with a listed digest are verified before use.
	Checksums map[string]string `yaml:"checksums"`
}

// DefaultConfig returns the built-in defaults. The repo default is the
// published classifier this converter targets.
func DefaultConfig() Config {
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = ".cache"
	}
	return Config{
		Repo:       hub.DefaultRepo,
		CacheDir:   filepath.Join(cache, "promptcast"),
		OutputDir:  "model_output",
		SampleText: DefaultSampleText,
		SeqLen:     DefaultSeqLen,
	}
}

// LoadConfig resolves the effective configuration for the current working
// directory: defaults, overlaid with promptcast.yaml when present, overlaid
// with environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", ConfigFile, err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("reading %s: %w", ConfigFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PROMPTCAST_REPO"); v != "" {
		c.Repo = v
	}
	if v := os.Getenv("PROMPTCAST_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("PROMPTCAST_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("PROMPTCAST_SAMPLE_TEXT"); v != "" {
		c.SampleText = v
	}
	if v := os.Getenv("PROMPTCAST_SEQ_LEN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROMPTCAST_SEQ_LEN: %w", err)
		}
		c.SeqLen = n
	}
	if v := os.Getenv("PROMPTCAST_HUB_URL"); v != "" {
		c.HubBaseURL = v
	}
	return nil
}

// Validate checks the fields every run depends on.
func (c *Config) Validate() error {
	if c.Repo == "" {
		return fmt.Errorf("config: repo must not be empty")
	}
	if c.SampleText == "" {
		return fmt.Errorf("config: sample_text must not be empty")
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("config: sequence_length must be positive, got %d", c.SeqLen)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: output_dir must not be empty")
	}
	return nil
}
