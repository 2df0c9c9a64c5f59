package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/tensor"
)

func rawF32(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func rawI64(t *testing.T, data []int64, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Int64, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsInt64(), data)
	return raw
}

func TestAddBroadcast(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	y := rawF32(t, []float32{10, 20, 30}, tensor.Shape{3})

	out := b.Add(x, y)
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, out.AsFloat32())
}

func TestMulBroadcastColumn(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	y := rawF32(t, []float32{10, 100}, tensor.Shape{2, 1})

	out := b.Mul(x, y)
	assert.Equal(t, []float32{10, 20, 300, 400}, out.AsFloat32())
}

func TestMatMul(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	y := rawF32(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	out := b.MatMul(x, y)
	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, out.AsFloat32())
}

func TestBatchMatMul(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{
		1, 2, 3, 4, // batch 0
		5, 6, 7, 8, // batch 1
	}, tensor.Shape{2, 2, 2})
	y := rawF32(t, []float32{
		1, 0, 0, 1, // identity
		2, 0, 0, 2, // 2*identity
	}, tensor.Shape{2, 2, 2})

	out := b.BatchMatMul(x, y)
	assert.Equal(t, tensor.Shape{2, 2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 12, 14, 16}, out.AsFloat32())
}

func TestSoftmaxLastDim(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3, 1, 1, 1}, tensor.Shape{2, 3})

	out := b.Softmax(x, -1)
	ov := out.AsFloat32()

	for row := 0; row < 2; row++ {
		var sum float32
		for col := 0; col < 3; col++ {
			sum += ov[row*3+col]
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	assert.InDelta(t, 1.0/3.0, ov[3], 1e-6)
	assert.Greater(t, ov[2], ov[1])
}

func TestSoftmaxStability(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1000, 1001, 1002}, tensor.Shape{3})

	out := b.Softmax(x, 0)
	for _, v := range out.AsFloat32() {
		assert.False(t, math.IsNaN(float64(v)))
		assert.False(t, math.IsInf(float64(v), 0))
	}
}

func TestSumDim(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	kept := b.SumDim(x, 1, true)
	assert.Equal(t, tensor.Shape{2, 1}, kept.Shape())
	assert.Equal(t, []float32{6, 15}, kept.AsFloat32())

	dropped := b.SumDim(x, 0, false)
	assert.Equal(t, tensor.Shape{3}, dropped.Shape())
	assert.Equal(t, []float32{5, 7, 9}, dropped.AsFloat32())
}

func TestMeanDim(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{2, 4, 6, 8}, tensor.Shape{2, 2})

	out := b.MeanDim(x, 1, false)
	assert.Equal(t, []float32{3, 7}, out.AsFloat32())
}

func TestTranspose2D(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	out := b.Transpose(x)
	assert.Equal(t, tensor.Shape{3, 2}, out.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.AsFloat32())
}

func TestTransposePermutation(t *testing.T) {
	b := New()
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i)
	}
	x := rawF32(t, data, tensor.Shape{2, 3, 4})

	out := b.Transpose(x, 1, 0, 2)
	assert.Equal(t, tensor.Shape{3, 2, 4}, out.Shape())
	// element [i, j, k] of the result is element [j, i, k] of the input
	assert.Equal(t, float32(12), out.AsFloat32()[4]) // [0,1,0] <- [1,0,0]
}

func TestUnsqueezeSqueeze(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2, 3}, tensor.Shape{3})

	up := b.Unsqueeze(x, 0)
	assert.Equal(t, tensor.Shape{1, 3}, up.Shape())

	up2 := b.Unsqueeze(up, -1)
	assert.Equal(t, tensor.Shape{1, 3, 1}, up2.Shape())

	down := b.Squeeze(up2, 2)
	assert.Equal(t, tensor.Shape{1, 3}, down.Shape())
}

func TestExpand(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{1, 2}, tensor.Shape{2, 1})

	out := b.Expand(x, tensor.Shape{2, 3})
	assert.Equal(t, []float32{1, 1, 1, 2, 2, 2}, out.AsFloat32())
}

func TestEmbedding(t *testing.T) {
	b := New()
	weight := rawF32(t, []float32{
		0, 0,
		1, 1,
		2, 2,
	}, tensor.Shape{3, 2})
	indices := rawI64(t, []int64{2, 0, 1, 1}, tensor.Shape{2, 2})

	out := b.Embedding(weight, indices)
	assert.Equal(t, tensor.Shape{2, 2, 2}, out.Shape())
	assert.Equal(t, []float32{2, 2, 0, 0, 1, 1, 1, 1}, out.AsFloat32())
}

func TestCastInt64ToFloat32(t *testing.T) {
	b := New()
	x := rawI64(t, []int64{0, 1, 5}, tensor.Shape{3})

	out := b.Cast(x, tensor.Float32)
	assert.Equal(t, tensor.Float32, out.DType())
	assert.Equal(t, []float32{0, 1, 5}, out.AsFloat32())
}

func TestClampMin(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{-1, 0, 1e-12, 2}, tensor.Shape{4})

	out := b.ClampMin(x, 1e-9)
	assert.Equal(t, []float32{1e-9, 1e-9, 1e-9, 2}, out.AsFloat32())
}

func TestGelu(t *testing.T) {
	b := New()
	x := rawF32(t, []float32{0, 1, -1}, tensor.Shape{3})

	out := b.Gelu(x)
	ov := out.AsFloat32()
	assert.InDelta(t, 0.0, ov[0], 1e-6)
	assert.InDelta(t, 0.8412, ov[1], 1e-3)
	assert.InDelta(t, -0.1588, ov[2], 1e-3)
}
