package operators

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

func (r *Registry) registerActivations() {
	r.Register("Tanh", handleTanh)
	r.Register("Softmax", handleSoftmax)
	r.Register("Clip", handleClip)
}

func handleTanh(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("tanh requires 1 input, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Tanh(inputs[0])}, nil
}

func handleSoftmax(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("softmax requires 1 input, got %d", len(inputs))
	}
	axis := int(GetAttrInt(node, "axis", -1))
	return []*tensor.RawTensor{ctx.Backend.Softmax(inputs[0], axis)}, nil
}

// handleClip takes min/max as optional inputs (opset 11+ form). Only the
// lower bound is used by captured graphs; a provided max is rejected rather
// than silently ignored.
func handleClip(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("clip requires at least 1 input, got %d", len(inputs))
	}
	if len(inputs) >= 3 && inputs[2] != nil {
		return nil, fmt.Errorf("clip: upper bound is not supported")
	}

	result := inputs[0]
	if len(inputs) >= 2 && inputs[1] != nil {
		min := inputs[1]
		if min.NumElements() != 1 || min.DType() != tensor.Float32 {
			return nil, fmt.Errorf("clip: min must be a float32 scalar")
		}
		result = ctx.Backend.ClampMin(result, min.AsFloat32()[0])
	}
	return []*tensor.RawTensor{result}, nil
}
