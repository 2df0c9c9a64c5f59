package cpu

import (
	"github.com/castml/promptcast/internal/tensor"
)

// SumDim reduces along dim, optionally keeping it as size 1.
func (b *Backend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.NormalizeDim(dim)

	dimSize := shape[dim]
	inner := 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	outer := shape.NumElements() / (dimSize * inner)

	out := mustRaw(reducedShape(shape, dim, keepDim), tensor.Float32)
	xv := x.AsFloat32()
	ov := out.AsFloat32()

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			var sum float32
			base := o*dimSize*inner + in
			for d := 0; d < dimSize; d++ {
				sum += xv[base+d*inner]
			}
			ov[o*inner+in] = sum
		}
	}
	return out
}

// MeanDim reduces along dim by arithmetic mean.
func (b *Backend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	shape := x.Shape()
	n := shape[shape.NormalizeDim(dim)]
	sum := b.SumDim(x, dim, keepDim)
	sv := sum.AsFloat32()
	inv := 1.0 / float32(n)
	for i := range sv {
		sv[i] *= inv
	}
	return sum
}

func reducedShape(shape tensor.Shape, dim int, keepDim bool) tensor.Shape {
	if keepDim {
		out := shape.Clone()
		out[dim] = 1
		return out
	}
	out := make(tensor.Shape, 0, len(shape)-1)
	for i, s := range shape {
		if i != dim {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = tensor.Shape{1}
	}
	return out
}
