package operators

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

func (r *Registry) registerMathOps() {
	r.Register("Add", handleAdd)
	r.Register("Sub", handleSub)
	r.Register("Mul", handleMul)
	r.Register("Div", handleDiv)
	r.Register("MatMul", handleMatMul)
	r.Register("Sqrt", handleSqrt)
	r.Register("Exp", handleExp)
	r.Register("Pow", handlePow)
}

func handleAdd(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("add requires 2 inputs, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Add(inputs[0], inputs[1])}, nil
}

func handleSub(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("sub requires 2 inputs, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Sub(inputs[0], inputs[1])}, nil
}

func handleMul(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("mul requires 2 inputs, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Mul(inputs[0], inputs[1])}, nil
}

func handleDiv(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("div requires 2 inputs, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Div(inputs[0], inputs[1])}, nil
}

// handleMatMul dispatches to the batched kernel when either operand has
// batch dimensions, matching ONNX MatMul semantics for rank > 2.
func handleMatMul(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("matMul requires 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape()) > 2 || len(b.Shape()) > 2 {
		return []*tensor.RawTensor{ctx.Backend.BatchMatMul(a, b)}, nil
	}
	return []*tensor.RawTensor{ctx.Backend.MatMul(a, b)}, nil
}

func handleSqrt(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("sqrt requires 1 input, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Sqrt(inputs[0])}, nil
}

func handleExp(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("exp requires 1 input, got %d", len(inputs))
	}
	return []*tensor.RawTensor{ctx.Backend.Exp(inputs[0])}, nil
}

// handlePow only supports integer exponents, which is all the capture layer
// emits (cube terms inside the GELU expansion).
func handlePow(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("pow requires 2 inputs, got %d", len(inputs))
	}
	exp := inputs[1]
	if exp.NumElements() != 1 {
		return nil, fmt.Errorf("pow: only scalar exponents are supported")
	}
	var n int
	switch exp.DType() {
	case tensor.Float32:
		n = int(exp.AsFloat32()[0])
	case tensor.Int64:
		n = int(exp.AsInt64()[0])
	default:
		return nil, fmt.Errorf("pow: unsupported exponent dtype %s", exp.DType())
	}
	if n < 1 {
		return nil, fmt.Errorf("pow: unsupported exponent %d", n)
	}

	result := inputs[0]
	for i := 1; i < n; i++ {
		result = ctx.Backend.Mul(result, inputs[0])
	}
	return []*tensor.RawTensor{result}, nil
}
