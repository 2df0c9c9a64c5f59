package nn

import (
	"github.com/castml/promptcast/internal/tensor"
)

// Parameter is a named weight tensor.
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
}

// NewParameter wraps a tensor as a named parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{name: name, tensor: t}
}

// Name returns the parameter name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Replace swaps the underlying tensor, keeping the name.
func (p *Parameter[B]) Replace(t *tensor.Tensor[float32, B]) {
	p.tensor = t
}
