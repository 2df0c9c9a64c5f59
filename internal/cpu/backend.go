// Package cpu implements the pure-Go CPU backend used for eager forward
// evaluation, graph capture delegation, and exported-artifact verification.
package cpu

import (
	"github.com/castml/promptcast/internal/tensor"
)

// Backend is the pure Go CPU implementation of tensor.Backend.
type Backend struct{}

// New creates a new CPU backend.
func New() *Backend {
	return &Backend{}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "CPU"
}

// Device returns tensor.CPU.
func (b *Backend) Device() tensor.Device {
	return tensor.CPU
}

// mustRaw allocates a result tensor or panics; backend operations follow
// the panic-on-programmer-error convention since shapes are validated by
// the callers' module contracts.
func mustRaw(shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		panic(err)
	}
	return raw
}
