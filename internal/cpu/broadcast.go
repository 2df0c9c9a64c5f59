package cpu

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

// broadcastIndexer maps flat indices in a broadcast output shape back to
// flat indices in a (possibly smaller) input shape, following NumPy rules.
type broadcastIndexer struct {
	outShape   tensor.Shape
	outStrides []int
	inStrides  []int // aligned to outShape rank; 0 where the input dim is 1
}

func newBroadcastIndexer(in, out tensor.Shape) broadcastIndexer {
	outStrides := out.ComputeStrides()
	inStrides := make([]int, len(out))

	realStrides := in.ComputeStrides()
	offset := len(out) - len(in)
	for i := range out {
		j := i - offset
		if j < 0 || in[j] == 1 {
			inStrides[i] = 0 // broadcast dimension contributes nothing
		} else {
			inStrides[i] = realStrides[j]
		}
	}

	return broadcastIndexer{outShape: out, outStrides: outStrides, inStrides: inStrides}
}

// mapIndex converts a flat output index to the corresponding input index.
func (bi broadcastIndexer) mapIndex(flat int) int {
	in := 0
	for i := range bi.outShape {
		coord := (flat / bi.outStrides[i]) % bi.outShape[i]
		in += coord * bi.inStrides[i]
	}
	return in
}

// binaryOpF32 applies fn element-wise over two float32 tensors with
// broadcasting and returns the result.
func binaryOpF32(a, b *tensor.RawTensor, fn func(x, y float32) float32) *tensor.RawTensor {
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("binary op: %v", err))
	}

	out := mustRaw(outShape, tensor.Float32)
	av := a.AsFloat32()
	bv := b.AsFloat32()
	ov := out.AsFloat32()

	if !needsBroadcast {
		for i := range ov {
			ov[i] = fn(av[i], bv[i])
		}
		return out
	}

	ai := newBroadcastIndexer(a.Shape(), outShape)
	bi := newBroadcastIndexer(b.Shape(), outShape)
	for i := range ov {
		ov[i] = fn(av[ai.mapIndex(i)], bv[bi.mapIndex(i)])
	}
	return out
}

// unaryOpF32 applies fn element-wise over a float32 tensor.
func unaryOpF32(x *tensor.RawTensor, fn func(v float32) float32) *tensor.RawTensor {
	out := mustRaw(x.Shape(), tensor.Float32)
	xv := x.AsFloat32()
	ov := out.AsFloat32()
	for i := range ov {
		ov[i] = fn(xv[i])
	}
	return out
}
