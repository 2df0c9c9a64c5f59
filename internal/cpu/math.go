package cpu

import (
	"math"

	"github.com/castml/promptcast/internal/tensor"
)

func (b *Backend) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	return binaryOpF32(x, y, func(a, b float32) float32 { return a + b })
}

func (b *Backend) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	return binaryOpF32(x, y, func(a, b float32) float32 { return a - b })
}

func (b *Backend) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	return binaryOpF32(x, y, func(a, b float32) float32 { return a * b })
}

func (b *Backend) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	return binaryOpF32(x, y, func(a, b float32) float32 { return a / b })
}

func (b *Backend) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return v + scalar })
}

func (b *Backend) SubScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return v - scalar })
}

func (b *Backend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return v * scalar })
}

func (b *Backend) DivScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return v / scalar })
}

func (b *Backend) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return float32(math.Sqrt(float64(v))) })
}

func (b *Backend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

func (b *Backend) Tanh(x *tensor.RawTensor) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

// Gelu uses the tanh approximation:
// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
func (b *Backend) Gelu(x *tensor.RawTensor) *tensor.RawTensor {
	const c = 0.7978845608028654 // sqrt(2/pi)
	return unaryOpF32(x, func(v float32) float32 {
		f := float64(v)
		return float32(0.5 * f * (1.0 + math.Tanh(c*(f+0.044715*f*f*f))))
	})
}

func (b *Backend) ClampMin(x *tensor.RawTensor, min float32) *tensor.RawTensor {
	return unaryOpF32(x, func(v float32) float32 {
		if v < min {
			return min
		}
		return v
	})
}

// Softmax normalizes along dim with the max-subtraction trick for stability.
func (b *Backend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.NormalizeDim(dim)

	out := mustRaw(shape, tensor.Float32)
	xv := x.AsFloat32()
	ov := out.AsFloat32()

	dimSize := shape[dim]
	inner := 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	outer := shape.NumElements() / (dimSize * inner)

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*dimSize*inner + in

			maxVal := float32(math.Inf(-1))
			for d := 0; d < dimSize; d++ {
				v := xv[base+d*inner]
				if v > maxVal {
					maxVal = v
				}
			}

			var sum float32
			for d := 0; d < dimSize; d++ {
				e := float32(math.Exp(float64(xv[base+d*inner] - maxVal)))
				ov[base+d*inner] = e
				sum += e
			}

			for d := 0; d < dimSize; d++ {
				ov[base+d*inner] /= sum
			}
		}
	}
	return out
}
