package operators

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

func (r *Registry) registerReduceOps() {
	r.Register("ReduceSum", handleReduceSum)
	r.Register("ReduceMean", handleReduceMean)
}

// handleReduceSum reads axes from the second input (opset 13+ form) or the
// legacy attribute.
func handleReduceSum(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("reduceSum requires at least 1 input, got %d", len(inputs))
	}

	axes, err := axesFromInputOrAttr(node, inputs)
	if err != nil {
		return nil, fmt.Errorf("reduceSum: %w", err)
	}
	return reduce(ctx, node, inputs[0], axes, ctx.Backend.SumDim)
}

// handleReduceMean keeps axes in the attribute, which is where opset 14
// still carries them.
func handleReduceMean(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("reduceMean requires 1 input, got %d", len(inputs))
	}

	raw := GetAttrInts(node, "axes")
	axes := make([]int, len(raw))
	for i, v := range raw {
		axes[i] = int(v)
	}
	return reduce(ctx, node, inputs[0], axes, ctx.Backend.MeanDim)
}

func reduce(
	_ *Context,
	node *Node,
	x *tensor.RawTensor,
	axes []int,
	op func(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor,
) ([]*tensor.RawTensor, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("reduction over all axes is not supported")
	}
	keepDims := GetAttrInt(node, "keepdims", 1) != 0

	// Normalize then reduce from the highest axis down so dropped axes do
	// not shift the remaining ones.
	norm := make([]int, len(axes))
	for i, a := range axes {
		norm[i] = x.Shape().NormalizeDim(a)
	}
	for i := 0; i < len(norm); i++ {
		for j := i + 1; j < len(norm); j++ {
			if norm[j] > norm[i] {
				norm[i], norm[j] = norm[j], norm[i]
			}
		}
	}

	result := x
	for _, dim := range norm {
		result = op(result, dim, keepDims)
	}
	return []*tensor.RawTensor{result}, nil
}
