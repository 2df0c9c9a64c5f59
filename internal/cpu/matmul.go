package cpu

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

// MatMul computes [M, K] @ [K, N] -> [M, N].
func (b *Backend) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	xs, ys := x.Shape(), y.Shape()
	if len(xs) != 2 || len(ys) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v and %v", xs, ys))
	}
	if xs[1] != ys[0] {
		panic(fmt.Sprintf("matmul: inner dimensions mismatch: %v @ %v", xs, ys))
	}

	m, k, n := xs[0], xs[1], ys[1]
	out := mustRaw(tensor.Shape{m, n}, tensor.Float32)
	matmul2D(x.AsFloat32(), y.AsFloat32(), out.AsFloat32(), m, k, n)
	return out
}

// BatchMatMul computes [..., M, K] @ [..., K, N] -> [..., M, N] where the
// leading batch dimensions of both operands must match exactly.
func (b *Backend) BatchMatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	xs, ys := x.Shape(), y.Shape()
	if len(xs) < 2 || len(ys) < 2 || len(xs) != len(ys) {
		panic(fmt.Sprintf("batch matmul: rank mismatch: %v and %v", xs, ys))
	}

	batch := 1
	for i := 0; i < len(xs)-2; i++ {
		if xs[i] != ys[i] {
			panic(fmt.Sprintf("batch matmul: batch dimensions mismatch: %v and %v", xs, ys))
		}
		batch *= xs[i]
	}

	m, k := xs[len(xs)-2], xs[len(xs)-1]
	k2, n := ys[len(ys)-2], ys[len(ys)-1]
	if k != k2 {
		panic(fmt.Sprintf("batch matmul: inner dimensions mismatch: %v @ %v", xs, ys))
	}

	outShape := make(tensor.Shape, len(xs))
	copy(outShape, xs[:len(xs)-2])
	outShape[len(outShape)-2] = m
	outShape[len(outShape)-1] = n

	out := mustRaw(outShape, tensor.Float32)
	xv, yv, ov := x.AsFloat32(), y.AsFloat32(), out.AsFloat32()
	for bi := 0; bi < batch; bi++ {
		matmul2D(xv[bi*m*k:(bi+1)*m*k], yv[bi*k*n:(bi+1)*k*n], ov[bi*m*n:(bi+1)*m*n], m, k, n)
	}
	return out
}

// matmul2D is the inner kernel, laid out k-outer for cache locality.
func matmul2D(a, b, c []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		ci := c[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bp := b[p*n : (p+1)*n]
			for j := range ci {
				ci[j] += av * bp[j]
			}
		}
	}
}
