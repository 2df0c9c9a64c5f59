package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/castml/promptcast/internal/tensor"
)

// Result is a remapped checkpoint: canonical keys to tensors, plus the
// buffer entries that were skipped. Skipped buffers are reported so the
// caller can log them; a missing weight surfaces later as a hard error when
// the model loads its state dictionary.
type Result struct {
	Weights map[string]*tensor.RawTensor
	Skipped []string
	// Metadata carries the checkpoint's own annotations when the container
	// format records any, such as the safetensors __metadata__ block.
	Metadata map[string]string
}

// Remap converts raw checkpoint keys to the canonical layout. Two raw keys
// mapping to the same canonical key is corruption, not a warning.
func Remap(raw map[string]*tensor.RawTensor) (*Result, error) {
	res := &Result{Weights: make(map[string]*tensor.RawTensor, len(raw))}
	source := make(map[string]string, len(raw))

	for key, t := range raw {
		if IsBuffer(key) {
			res.Skipped = append(res.Skipped, key)
			continue
		}

		parsed, err := ParseKey(key)
		if err != nil {
			return nil, err
		}
		canonical, err := parsed.Canonical()
		if err != nil {
			return nil, err
		}
		if prev, dup := source[canonical]; dup {
			return nil, fmt.Errorf("keys %q and %q both map to %q", prev, key, canonical)
		}
		source[canonical] = key
		res.Weights[canonical] = t
	}
	return res, nil
}

// checkpointCandidates lists checkpoint file names in preference order.
// Safetensors is canonical; GGUF covers models published only in the legacy
// binary container.
var checkpointCandidates = []struct {
	name string
	load func(string) (*Result, error)
}{
	{"model.safetensors", LoadSafeTensors},
	{"model.gguf", LoadGGUF},
}

// LoadCheckpoint loads the first available checkpoint file under dir and
// returns the remapped weights and the file name that was used.
func LoadCheckpoint(dir string) (*Result, string, error) {
	var attempts []error
	for _, c := range checkpointCandidates {
		path := filepath.Join(dir, c.name)
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				attempts = append(attempts, fmt.Errorf("%s: %w", c.name, err))
			}
			continue
		}

		res, err := c.load(path)
		if err != nil {
			attempts = append(attempts, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		return res, c.name, nil
	}

	if len(attempts) > 0 {
		return nil, "", fmt.Errorf("no loadable checkpoint in %s: %w", dir, errors.Join(attempts...))
	}
	return nil, "", fmt.Errorf("no checkpoint file found in %s (tried model.safetensors, model.gguf)", dir)
}

// LoadSafeTensors reads a .safetensors checkpoint and remaps it.
func LoadSafeTensors(path string) (*Result, error) {
	reader, err := OpenSafeTensors(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	raw, err := reader.LoadAll()
	if err != nil {
		return nil, err
	}
	res, err := Remap(raw)
	if err != nil {
		return nil, err
	}
	res.Metadata = reader.Metadata()
	return res, nil
}
