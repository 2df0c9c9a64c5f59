package trace

import (
	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

func (r *Recorder) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Add(a, b)
	r.record("Add", []*tensor.RawTensor{a, b}, out)
	return out
}

func (r *Recorder) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Sub(a, b)
	r.record("Sub", []*tensor.RawTensor{a, b}, out)
	return out
}

func (r *Recorder) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Mul(a, b)
	r.record("Mul", []*tensor.RawTensor{a, b}, out)
	return out
}

func (r *Recorder) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Div(a, b)
	r.record("Div", []*tensor.RawTensor{a, b}, out)
	return out
}

func (r *Recorder) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.MatMul(a, b)
	r.record("MatMul", []*tensor.RawTensor{a, b}, out)
	return out
}

// BatchMatMul records a plain MatMul node; rank disambiguates at execution
// time, matching ONNX MatMul semantics.
func (r *Recorder) BatchMatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.BatchMatMul(a, b)
	r.record("MatMul", []*tensor.RawTensor{a, b}, out)
	return out
}

func (r *Recorder) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := r.inner.AddScalar(x, scalar)
	r.record("Add", []*tensor.RawTensor{x, r.scalarConst(scalar)}, out)
	return out
}

func (r *Recorder) SubScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := r.inner.SubScalar(x, scalar)
	r.record("Sub", []*tensor.RawTensor{x, r.scalarConst(scalar)}, out)
	return out
}

func (r *Recorder) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := r.inner.MulScalar(x, scalar)
	r.record("Mul", []*tensor.RawTensor{x, r.scalarConst(scalar)}, out)
	return out
}

func (r *Recorder) DivScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := r.inner.DivScalar(x, scalar)
	r.record("Div", []*tensor.RawTensor{x, r.scalarConst(scalar)}, out)
	return out
}

func (r *Recorder) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Sqrt(x)
	r.record("Sqrt", []*tensor.RawTensor{x}, out)
	return out
}

func (r *Recorder) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Exp(x)
	r.record("Exp", []*tensor.RawTensor{x}, out)
	return out
}

func (r *Recorder) Tanh(x *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Tanh(x)
	r.record("Tanh", []*tensor.RawTensor{x}, out)
	return out
}

// Gelu expands to its tanh approximation because the fused operator does
// not exist at the target operator set version:
//
//	0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
//
// Each step routes back through the Recorder so the expansion is recorded
// and evaluated in one pass.
func (r *Recorder) Gelu(x *tensor.RawTensor) *tensor.RawTensor {
	const sqrt2OverPi = 0.7978845608028654

	x3 := r.Mul(r.Mul(x, x), x)
	inner := r.MulScalar(r.Add(x, r.MulScalar(x3, 0.044715)), sqrt2OverPi)
	return r.MulScalar(r.Mul(x, r.AddScalar(r.Tanh(inner), 1.0)), 0.5)
}

func (r *Recorder) ClampMin(x *tensor.RawTensor, min float32) *tensor.RawTensor {
	out := r.inner.ClampMin(x, min)
	r.record("Clip", []*tensor.RawTensor{x, r.scalarConst(min)}, out)
	return out
}

func (r *Recorder) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	out := r.inner.Softmax(x, dim)
	r.record("Softmax", []*tensor.RawTensor{x}, out,
		operators.IntAttr("axis", int64(dim)))
	return out
}

func (r *Recorder) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	out := r.inner.SumDim(x, dim, keepDim)
	r.record("ReduceSum", []*tensor.RawTensor{x, r.int64Const([]int64{int64(dim)})}, out,
		operators.IntAttr("keepdims", boolToInt(keepDim)))
	return out
}

func (r *Recorder) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	out := r.inner.MeanDim(x, dim, keepDim)
	r.record("ReduceMean", []*tensor.RawTensor{x}, out,
		operators.IntsAttr("axes", []int64{int64(dim)}),
		operators.IntAttr("keepdims", boolToInt(keepDim)))
	return out
}

func (r *Recorder) Reshape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	out := r.inner.Reshape(x, shape)
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	r.record("Reshape", []*tensor.RawTensor{x, r.int64Const(dims)}, out)
	return out
}

func (r *Recorder) Transpose(x *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	out := r.inner.Transpose(x, axes...)

	// An omitted permutation means full reversal; record it explicitly so
	// the graph does not depend on executor defaults.
	rank := len(x.Shape())
	perm := make([]int64, rank)
	if len(axes) == 0 {
		for i := range perm {
			perm[i] = int64(rank - 1 - i)
		}
	} else {
		for i, a := range axes {
			perm[i] = int64(x.Shape().NormalizeDim(a))
		}
	}
	r.record("Transpose", []*tensor.RawTensor{x}, out,
		operators.IntsAttr("perm", perm))
	return out
}

func (r *Recorder) Unsqueeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	out := r.inner.Unsqueeze(x, dim)
	r.record("Unsqueeze", []*tensor.RawTensor{x, r.int64Const([]int64{int64(dim)})}, out)
	return out
}

func (r *Recorder) Squeeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	out := r.inner.Squeeze(x, dim)
	r.record("Squeeze", []*tensor.RawTensor{x, r.int64Const([]int64{int64(dim)})}, out)
	return out
}

func (r *Recorder) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	out := r.inner.Expand(x, shape)
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	r.record("Expand", []*tensor.RawTensor{x, r.int64Const(dims)}, out)
	return out
}

func (r *Recorder) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	out := r.inner.Embedding(weight, indices)
	r.record("Gather", []*tensor.RawTensor{weight, indices}, out,
		operators.IntAttr("axis", 0))
	return out
}

func (r *Recorder) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	out := r.inner.Cast(x, dtype)
	code, err := operators.DataTypeToWireType(dtype)
	if err != nil {
		panic(err)
	}
	r.record("Cast", []*tensor.RawTensor{x}, out,
		operators.IntAttr("to", int64(code)))
	return out
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
