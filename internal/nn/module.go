// Package nn provides the inference-only building blocks the classifier is
// assembled from. Modules are generic over the backend, so the same weights
// can run eagerly or under graph capture without code changes.
package nn

import (
	"fmt"
	"strings"

	"github.com/castml/promptcast/internal/tensor"
)

// Module is the base interface for network components.
type Module[B tensor.Backend] interface {
	// Parameters returns all parameters of this module, including nested
	// module parameters.
	Parameters() []*Parameter[B]

	// StateDict returns the module's parameters keyed by dotted path.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict replaces the module's parameters from a state
	// dictionary. Keys are relative to the module. Missing keys and shape
	// mismatches are errors.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// Scoped returns the sub-dictionary under prefix with the prefix stripped.
// A trailing dot is appended when absent.
func Scoped(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	out := make(map[string]*tensor.RawTensor)
	for key, t := range stateDict {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = t
		}
	}
	return out
}

// Merge copies child state entries into dst under prefix.
func Merge(dst map[string]*tensor.RawTensor, prefix string, child map[string]*tensor.RawTensor) {
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	for key, t := range child {
		dst[prefix+key] = t
	}
}

// fetch pulls one tensor out of a state dictionary with a shape check.
func fetch(stateDict map[string]*tensor.RawTensor, key string, want tensor.Shape) (*tensor.RawTensor, error) {
	t, ok := stateDict[key]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", key)
	}
	if !t.Shape().Equal(want) {
		return nil, fmt.Errorf("parameter %q: expected shape %v, got %v", key, want, t.Shape())
	}
	return t, nil
}
