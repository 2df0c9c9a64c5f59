package cpu

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

// Reshape returns a view with the new shape sharing the same buffer.
func (b *Backend) Reshape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	out, err := x.WithShape(shape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return out
}

// Transpose permutes dimensions. With no axes given it reverses them.
func (b *Backend) Transpose(x *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := x.Shape()
	rank := len(shape)

	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = rank - 1 - i
		}
	}
	if len(axes) != rank {
		panic(fmt.Sprintf("transpose: got %d axes for rank %d tensor", len(axes), rank))
	}

	perm := make([]int, rank)
	outShape := make(tensor.Shape, rank)
	for i, a := range axes {
		perm[i] = shape.NormalizeDim(a)
		outShape[i] = shape[perm[i]]
	}

	out := mustRaw(outShape, x.DType())
	inStrides := shape.ComputeStrides()
	outStrides := outShape.ComputeStrides()
	elemSize := x.DType().Size()
	src := x.Data()
	dst := out.Data()

	total := outShape.NumElements()
	for flat := 0; flat < total; flat++ {
		srcIdx := 0
		for i := 0; i < rank; i++ {
			coord := (flat / outStrides[i]) % outShape[i]
			srcIdx += coord * inStrides[perm[i]]
		}
		copy(dst[flat*elemSize:(flat+1)*elemSize], src[srcIdx*elemSize:(srcIdx+1)*elemSize])
	}
	return out
}

// Unsqueeze inserts a size-1 dimension at dim.
func (b *Backend) Unsqueeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	if dim < 0 {
		dim += len(shape) + 1
	}
	if dim < 0 || dim > len(shape) {
		panic(fmt.Sprintf("unsqueeze: dim %d out of range for shape %v", dim, shape))
	}

	newShape := make(tensor.Shape, 0, len(shape)+1)
	newShape = append(newShape, shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, shape[dim:]...)
	return b.Reshape(x, newShape)
}

// Squeeze removes a size-1 dimension at dim.
func (b *Backend) Squeeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.NormalizeDim(dim)
	if shape[dim] != 1 {
		panic(fmt.Sprintf("squeeze: dim %d has size %d, expected 1", dim, shape[dim]))
	}

	newShape := make(tensor.Shape, 0, len(shape)-1)
	newShape = append(newShape, shape[:dim]...)
	newShape = append(newShape, shape[dim+1:]...)
	if len(newShape) == 0 {
		newShape = tensor.Shape{1}
	}
	return b.Reshape(x, newShape)
}

// Expand broadcasts size-1 dimensions to the target shape, materializing
// the result.
func (b *Backend) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	_, _, err := tensor.BroadcastShapes(x.Shape(), shape)
	if err != nil {
		panic(fmt.Sprintf("expand: %v", err))
	}

	out := mustRaw(shape, x.DType())
	bi := newBroadcastIndexer(x.Shape(), shape)
	elemSize := x.DType().Size()
	src := x.Data()
	dst := out.Data()

	total := shape.NumElements()
	for flat := 0; flat < total; flat++ {
		srcIdx := bi.mapIndex(flat)
		copy(dst[flat*elemSize:(flat+1)*elemSize], src[srcIdx*elemSize:(srcIdx+1)*elemSize])
	}
	return out
}

// Embedding gathers rows of weight [V, D] by integer indices, producing
// a tensor of shape indices.Shape() + [D].
func (b *Backend) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	ws := weight.Shape()
	if len(ws) != 2 {
		panic(fmt.Sprintf("embedding: weight must be 2D, got %v", ws))
	}
	vocab, dim := ws[0], ws[1]

	idx := embedIndices(indices)
	outShape := make(tensor.Shape, 0, len(indices.Shape())+1)
	outShape = append(outShape, indices.Shape()...)
	outShape = append(outShape, dim)

	out := mustRaw(outShape, tensor.Float32)
	wv := weight.AsFloat32()
	ov := out.AsFloat32()
	for i, id := range idx {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("embedding: index %d out of range [0, %d)", id, vocab))
		}
		copy(ov[i*dim:(i+1)*dim], wv[id*dim:(id+1)*dim])
	}
	return out
}

func embedIndices(indices *tensor.RawTensor) []int {
	switch indices.DType() {
	case tensor.Int64:
		src := indices.AsInt64()
		out := make([]int, len(src))
		for i, v := range src {
			out[i] = int(v)
		}
		return out
	case tensor.Int32:
		src := indices.AsInt32()
		out := make([]int, len(src))
		for i, v := range src {
			out[i] = int(v)
		}
		return out
	default:
		panic(fmt.Sprintf("embedding: unsupported index dtype %s", indices.DType()))
	}
}

// Cast converts between element types.
func (b *Backend) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	if x.DType() == dtype {
		return x.Clone()
	}

	out := mustRaw(x.Shape(), dtype)
	n := x.NumElements()
	for i := 0; i < n; i++ {
		writeElem(out, i, readElem(x, i))
	}
	return out
}

func readElem(t *tensor.RawTensor, i int) float64 {
	switch t.DType() {
	case tensor.Float32:
		return float64(t.AsFloat32()[i])
	case tensor.Float64:
		return t.AsFloat64()[i]
	case tensor.Int32:
		return float64(t.AsInt32()[i])
	case tensor.Int64:
		return float64(t.AsInt64()[i])
	case tensor.Uint8:
		return float64(t.AsUint8()[i])
	case tensor.Bool:
		if t.AsBool()[i] {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("cast: unsupported source dtype %s", t.DType()))
	}
}

func writeElem(t *tensor.RawTensor, i int, v float64) {
	switch t.DType() {
	case tensor.Float32:
		t.AsFloat32()[i] = float32(v)
	case tensor.Float64:
		t.AsFloat64()[i] = v
	case tensor.Int32:
		t.AsInt32()[i] = int32(v)
	case tensor.Int64:
		t.AsInt64()[i] = int64(v)
	case tensor.Uint8:
		t.AsUint8()[i] = uint8(v)
	case tensor.Bool:
		t.AsBool()[i] = v != 0
	default:
		panic(fmt.Sprintf("cast: unsupported target dtype %s", t.DType()))
	}
}
