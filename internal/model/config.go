// Package model assembles the multi-head prompt classifier: config parsing,
// head specifications, and the wrapper that runs the shared encoder and all
// classification heads in one forward pass.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// OrderedSizes is a JSON object of head name to class count that preserves
// key order. Head order decides output order everywhere downstream, and
// JSON maps would scramble it.
type OrderedSizes struct {
	Names []string
	Sizes map[string]int
}

// UnmarshalJSON walks the object token stream so insertion order survives.
func (o *OrderedSizes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("target sizes: expected object, got %v", tok)
	}

	o.Names = nil
	o.Sizes = make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("target sizes: expected string key, got %v", keyTok)
		}

		var size int
		if err := dec.Decode(&size); err != nil {
			return fmt.Errorf("target sizes: key %q: %w", key, err)
		}
		if size < 1 {
			return fmt.Errorf("target sizes: key %q: class count must be positive, got %d", key, size)
		}
		if _, dup := o.Sizes[key]; dup {
			return fmt.Errorf("target sizes: duplicate key %q", key)
		}

		o.Names = append(o.Names, key)
		o.Sizes[key] = size
	}
	return nil
}

// MarshalJSON writes keys back in their original order.
func (o OrderedSizes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range o.Names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", o.Sizes[name])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Config is the pretrained model's configuration record.
type Config struct {
	VocabSize            int     `json:"vocab_size"`
	HiddenSize           int     `json:"hidden_size"`
	NumHiddenLayers      int     `json:"num_hidden_layers"`
	NumAttentionHeads    int     `json:"num_attention_heads"`
	IntermediateSize     int     `json:"intermediate_size"`
	PositionBuckets      int     `json:"position_buckets"`
	MaxRelativePositions int     `json:"max_relative_positions"`
	LayerNormEps         float32 `json:"layer_norm_eps"`

	TargetSizes OrderedSizes         `json:"target_sizes"`
	TaskTypeMap map[string]string    `json:"task_type_map"`
	WeightsMap  map[string][]float64 `json:"weights_map"`
	DivisorMap  map[string]float64   `json:"divisor_map"`
}

// HeadSpec identifies one classification head. Index is the head's position
// in the checkpoint; Name keys the score maps; Classes is the logit width.
type HeadSpec struct {
	Index   int
	Name    string
	Classes int
}

// OutputName is the head's public logit tensor name.
func (h HeadSpec) OutputName() string {
	return "logits_" + strings.TrimPrefix(h.Name, "number_of_")
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the converter depends on.
func (c *Config) Validate() error {
	switch {
	case c.VocabSize < 1:
		return fmt.Errorf("config: vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize < 1:
		return fmt.Errorf("config: hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumHiddenLayers < 1:
		return fmt.Errorf("config: num_hidden_layers must be positive, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads < 1 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("config: hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	case len(c.TargetSizes.Names) == 0:
		return fmt.Errorf("config: target_sizes is empty")
	}
	return nil
}

// Heads expands target sizes into ordered head specifications.
func (c *Config) Heads() []HeadSpec {
	heads := make([]HeadSpec, len(c.TargetSizes.Names))
	for i, name := range c.TargetSizes.Names {
		heads[i] = HeadSpec{Index: i, Name: name, Classes: c.TargetSizes.Sizes[name]}
	}
	return heads
}
