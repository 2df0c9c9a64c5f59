package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/cpu"
	"github.com/castml/promptcast/internal/tensor"
)

func raw(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func ten(t *testing.T, data []float32, shape tensor.Shape, b *cpu.Backend) *tensor.Tensor[float32, *cpu.Backend] {
	t.Helper()
	out, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return out
}

func TestLinearForward(t *testing.T) {
	b := cpu.New()
	layer := NewLinear(2, 3, b)
	require.NoError(t, layer.LoadStateDict(map[string]*tensor.RawTensor{
		"weight": raw(t, []float32{1, 0, 0, 1, 1, 1}, tensor.Shape{3, 2}),
		"bias":   raw(t, []float32{0, 10, 100}, tensor.Shape{3}),
	}))

	out := layer.Forward(ten(t, []float32{2, 3}, tensor.Shape{1, 2}, b))
	assert.Equal(t, tensor.Shape{1, 3}, out.Shape())
	assert.Equal(t, []float32{2, 13, 105}, out.Data())
}

func TestLinearForward3D(t *testing.T) {
	b := cpu.New()
	layer := NewLinear(2, 2, b)
	require.NoError(t, layer.LoadStateDict(map[string]*tensor.RawTensor{
		"weight": raw(t, []float32{1, 0, 0, 1}, tensor.Shape{2, 2}),
		"bias":   raw(t, []float32{1, 1}, tensor.Shape{2}),
	}))

	out := layer.Forward(ten(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 2, 2}, b))
	assert.Equal(t, tensor.Shape{1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{2, 3, 4, 5}, out.Data())
}

func TestLinearLoadStateDictShapeMismatch(t *testing.T) {
	b := cpu.New()
	layer := NewLinear(2, 3, b)

	err := layer.LoadStateDict(map[string]*tensor.RawTensor{
		"weight": raw(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}),
		"bias":   raw(t, []float32{0, 0, 0}, tensor.Shape{3}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected shape")
}

func TestLinearLoadStateDictMissingKey(t *testing.T) {
	b := cpu.New()
	layer := NewLinear(2, 3, b)

	err := layer.LoadStateDict(map[string]*tensor.RawTensor{
		"weight": raw(t, make([]float32, 6), tensor.Shape{3, 2}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing parameter "bias"`)
}

func TestLayerNormNormalizes(t *testing.T) {
	b := cpu.New()
	ln := NewLayerNorm(4, 1e-7, b)

	out := ln.Forward(ten(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 4}, b))
	data := out.Data()

	var mean float64
	for _, v := range data {
		mean += float64(v)
	}
	mean /= 4
	assert.InDelta(t, 0.0, mean, 1e-5)

	var variance float64
	for _, v := range data {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4
	assert.InDelta(t, 1.0, variance, 1e-3)
}

func TestEmbeddingLookup(t *testing.T) {
	b := cpu.New()
	emb := NewEmbedding(3, 2, b)
	require.NoError(t, emb.LoadStateDict(map[string]*tensor.RawTensor{
		"weight": raw(t, []float32{0, 0, 1, 1, 2, 2}, tensor.Shape{3, 2}),
	}))

	ids, err := tensor.FromSlice([]int64{2, 1}, tensor.Shape{1, 2}, b)
	require.NoError(t, err)

	out := emb.Forward(ids)
	assert.Equal(t, tensor.Shape{1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{2, 2, 1, 1}, out.Data())
}

func TestMaskedMeanPoolIgnoresPadding(t *testing.T) {
	b := cpu.New()
	pool := NewMaskedMeanPool[*cpu.Backend]()

	// Two positions of real content and one of padding. The padded
	// position carries garbage that must not leak into the average.
	hidden := ten(t, []float32{
		1, 2,
		3, 4,
		99, 99,
	}, tensor.Shape{1, 3, 2}, b)
	mask := ten(t, []float32{1, 1, 0}, tensor.Shape{1, 3}, b)

	out := pool.Forward(hidden, mask)
	assert.Equal(t, tensor.Shape{1, 2}, out.Shape())
	assert.Equal(t, []float32{2, 3}, out.Data())
}

func TestMaskedMeanPoolAllPaddingStaysFinite(t *testing.T) {
	b := cpu.New()
	pool := NewMaskedMeanPool[*cpu.Backend]()

	hidden := ten(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 2, 2}, b)
	mask := ten(t, []float32{0, 0}, tensor.Shape{1, 2}, b)

	out := pool.Forward(hidden, mask)
	for _, v := range out.Data() {
		assert.False(t, math.IsNaN(float64(v)))
		assert.False(t, math.IsInf(float64(v), 0))
	}
}

func TestScopedAndMerge(t *testing.T) {
	sd := map[string]*tensor.RawTensor{
		"attn.q.weight": nil,
		"attn.q.bias":   nil,
		"ffn.up.weight": nil,
	}

	attn := Scoped(sd, "attn")
	assert.Len(t, attn, 2)
	assert.Contains(t, attn, "q.weight")

	dst := map[string]*tensor.RawTensor{}
	Merge(dst, "layers.0", attn)
	assert.Contains(t, dst, "layers.0.q.weight")
}
