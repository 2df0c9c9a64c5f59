// Package metadata emits the classifier sidecar. The exported graph carries
// no normalization logic; the sidecar is the only channel delivering the
// score arithmetic (per-class weights, per-head divisors, label names) to
// the artifact's consumer, so its key layout is a wire contract.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/castml/promptcast/internal/model"
)

// FileName is the sidecar's name next to the exported graph.
const FileName = "classifier_metadata.json"

// Sidecar is the serialized post-processing contract. Top-level keys are
// fixed; target_sizes preserves head order and output_names is positionally
// aligned with it.
type Sidecar struct {
	TaskTypeMap map[string]string    `json:"task_type_map"`
	WeightsMap  map[string][]float64 `json:"weights_map"`
	DivisorMap  map[string]float64   `json:"divisor_map"`
	TargetSizes model.OrderedSizes   `json:"target_sizes"`
	OutputNames []string             `json:"output_names"`
}

// FromConfig builds the sidecar for a configuration record.
func FromConfig(cfg *model.Config) *Sidecar {
	heads := cfg.Heads()
	names := make([]string, len(heads))
	for i, h := range heads {
		names[i] = h.OutputName()
	}
	return &Sidecar{
		TaskTypeMap: cfg.TaskTypeMap,
		WeightsMap:  cfg.WeightsMap,
		DivisorMap:  cfg.DivisorMap,
		TargetSizes: cfg.TargetSizes,
		OutputNames: names,
	}
}

// Validate checks positional alignment between heads and output names.
func (s *Sidecar) Validate() error {
	if len(s.OutputNames) != len(s.TargetSizes.Names) {
		return fmt.Errorf("sidecar: %d output names for %d heads", len(s.OutputNames), len(s.TargetSizes.Names))
	}
	seen := make(map[string]bool, len(s.OutputNames))
	for _, name := range s.OutputNames {
		if name == "" {
			return fmt.Errorf("sidecar: empty output name")
		}
		if seen[name] {
			return fmt.Errorf("sidecar: duplicate output name %q", name)
		}
		seen[name] = true
	}
	return nil
}

// Write serializes the sidecar next to the artifact directory.
func Write(dir string, s *Sidecar) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("encode sidecar: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a sidecar back. Round-tripping must reproduce the maps and
// ordering exactly.
func Load(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
