package operators

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

func (r *Registry) registerUtilityOps() {
	r.Register("Identity", handleIdentity)
	r.Register("Cast", handleCast)
}

func handleIdentity(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("identity requires 1 input, got %d", len(inputs))
	}
	return inputs, nil
}

func handleCast(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("cast requires 1 input, got %d", len(inputs))
	}

	to := int(GetAttrInt(node, "to", TensorProtoFloat))
	dtype, err := WireTypeToDataType(to)
	if err != nil {
		return nil, fmt.Errorf("cast: %w", err)
	}
	return []*tensor.RawTensor{ctx.Backend.Cast(inputs[0], dtype)}, nil
}
