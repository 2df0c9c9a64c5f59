package operators

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

func (r *Registry) registerShapeOps() {
	r.Register("Reshape", handleReshape)
	r.Register("Transpose", handleTranspose)
	r.Register("Squeeze", handleSqueeze)
	r.Register("Unsqueeze", handleUnsqueeze)
	r.Register("Expand", handleExpand)
	r.Register("Gather", handleGather)
}

func handleReshape(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("reshape requires 2 inputs (data, shape), got %d", len(inputs))
	}

	shapeData := inputs[1].AsInt64()
	newShape := make(tensor.Shape, len(shapeData))
	inferred := -1
	known := 1
	for i, v := range shapeData {
		switch {
		case v == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("reshape: multiple -1 dimensions")
			}
			inferred = i
		case v == 0:
			// 0 copies the corresponding input dimension
			if i >= len(inputs[0].Shape()) {
				return nil, fmt.Errorf("reshape: dimension 0 at axis %d has no source", i)
			}
			newShape[i] = inputs[0].Shape()[i]
			known *= newShape[i]
		default:
			newShape[i] = int(v)
			known *= newShape[i]
		}
	}
	if inferred >= 0 {
		total := inputs[0].NumElements()
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer dimension for %d elements into %v", total, shapeData)
		}
		newShape[inferred] = total / known
	}

	return []*tensor.RawTensor{ctx.Backend.Reshape(inputs[0], newShape)}, nil
}

func handleTranspose(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("transpose requires 1 input, got %d", len(inputs))
	}

	perm := GetAttrInts(node, "perm")
	axes := make([]int, len(perm))
	for i, v := range perm {
		axes[i] = int(v)
	}
	return []*tensor.RawTensor{ctx.Backend.Transpose(inputs[0], axes...)}, nil
}

// handleSqueeze reads axes from the second input (opset 13+ form), falling
// back to the attribute form for hand-built graphs.
func handleSqueeze(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("squeeze requires at least 1 input, got %d", len(inputs))
	}

	axes, err := axesFromInputOrAttr(node, inputs)
	if err != nil {
		return nil, fmt.Errorf("squeeze: %w", err)
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("squeeze: axes are required")
	}

	result := inputs[0]
	// Process in descending order so earlier removals do not shift later axes.
	for i := len(axes) - 1; i >= 0; i-- {
		result = ctx.Backend.Squeeze(result, axes[i])
	}
	return []*tensor.RawTensor{result}, nil
}

func handleUnsqueeze(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("unsqueeze requires at least 1 input, got %d", len(inputs))
	}

	axes, err := axesFromInputOrAttr(node, inputs)
	if err != nil {
		return nil, fmt.Errorf("unsqueeze: %w", err)
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("unsqueeze: axes are required")
	}

	result := inputs[0]
	for _, axis := range axes {
		result = ctx.Backend.Unsqueeze(result, axis)
	}
	return []*tensor.RawTensor{result}, nil
}

func handleExpand(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("expand requires 2 inputs (data, shape), got %d", len(inputs))
	}

	shapeData := inputs[1].AsInt64()
	targetShape := make(tensor.Shape, len(shapeData))
	for i, v := range shapeData {
		targetShape[i] = int(v)
	}
	return []*tensor.RawTensor{ctx.Backend.Expand(inputs[0], targetShape)}, nil
}

// handleGather supports axis 0 gathers, which cover both embedding lookups
// and relative position table lookups in captured graphs.
func handleGather(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("gather requires 2 inputs (data, indices), got %d", len(inputs))
	}

	axis := GetAttrInt(node, "axis", 0)
	if axis != 0 {
		return nil, fmt.Errorf("gather: only axis 0 is supported, got %d", axis)
	}
	return []*tensor.RawTensor{ctx.Backend.Embedding(inputs[0], inputs[1])}, nil
}

// axesFromInputOrAttr resolves the axes argument from the opset 13+ input
// form or from the legacy attribute.
func axesFromInputOrAttr(node *Node, inputs []*tensor.RawTensor) ([]int, error) {
	var raw []int64
	if len(inputs) >= 2 && inputs[1] != nil {
		if inputs[1].DType() != tensor.Int64 {
			return nil, fmt.Errorf("axes input must be int64, got %s", inputs[1].DType())
		}
		raw = inputs[1].AsInt64()
	} else {
		raw = GetAttrInts(node, "axes")
	}

	axes := make([]int, len(raw))
	for i, v := range raw {
		axes[i] = int(v)
	}
	return axes, nil
}
