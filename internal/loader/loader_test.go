package loader

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/tensor"
)

// writeSafeTensors builds a minimal valid checkpoint file.
func writeSafeTensors(t *testing.T, path string, tensors map[string][]float32, shapes map[string][]int) {
	t.Helper()

	header := make(map[string]any)
	var blob bytes.Buffer
	for name, data := range tensors {
		start := blob.Len()
		for _, v := range data {
			require.NoError(t, binary.Write(&blob, binary.LittleEndian, v))
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        shapes[name],
			"data_offsets": []int{start, blob.Len()},
		}
	}

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var file bytes.Buffer
	require.NoError(t, binary.Write(&file, binary.LittleEndian, uint64(len(headerJSON))))
	file.Write(headerJSON)
	file.Write(blob.Bytes())
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))
}

func TestOpenSafeTensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafeTensors(t, path,
		map[string][]float32{"backbone.embeddings.word.weight": {1, 2, 3, 4, 5, 6}},
		map[string][]int{"backbone.embeddings.word.weight": {3, 2}})

	r, err := OpenSafeTensors(path)
	require.NoError(t, err)
	defer r.Close()

	raw, err := r.LoadTensor("backbone.embeddings.word.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2}, raw.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, raw.AsFloat32())

	_, err = r.LoadTensor("nope")
	assert.Error(t, err)
}

func TestHalfToFloat32(t *testing.T) {
	cases := map[uint16]float32{
		0x0000: 0,
		0x3c00: 1,
		0xbc00: -1,
		0x4000: 2,
		0x3555: 0.333251953125,
	}
	for h, want := range cases {
		assert.InDelta(t, want, halfToFloat32(h), 1e-6)
	}

	assert.True(t, math.IsInf(float64(halfToFloat32(0x7c00)), 1))
}

func TestBfloatToFloat32(t *testing.T) {
	assert.Equal(t, float32(1.0), bfloatToFloat32(0x3f80))
	assert.Equal(t, float32(-2.0), bfloatToFloat32(0xc000))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("head_3.fc.weight")
	require.NoError(t, err)
	assert.Equal(t, WeightKey{Root: "head", Head: 3, Path: "fc.weight"}, k)

	k, err = ParseKey("backbone.encoder.layer.11.attention.self.query_proj.bias")
	require.NoError(t, err)
	assert.Equal(t, "backbone", k.Root)
	assert.Equal(t, -1, k.Head)

	_, err = ParseKey("classifier.weight")
	require.Error(t, err)
}

func TestCanonicalRemapping(t *testing.T) {
	cases := map[string]string{
		"head_0.fc.weight": "heads.0.fc.weight",
		"head_7.fc.bias":   "heads.7.fc.bias",
		"backbone.embeddings.word_embeddings.weight":                    "backbone.embeddings.word.weight",
		"backbone.embeddings.LayerNorm.bias":                            "backbone.embeddings.norm.bias",
		"backbone.encoder.rel_embeddings.weight":                        "backbone.rel_embeddings.weight",
		"backbone.encoder.layer.0.attention.self.query_proj.weight":     "backbone.layers.0.attn.q.weight",
		"backbone.encoder.layer.2.attention.self.key_proj.bias":         "backbone.layers.2.attn.k.bias",
		"backbone.encoder.layer.2.attention.self.value_proj.weight":     "backbone.layers.2.attn.v.weight",
		"backbone.encoder.layer.3.attention.output.dense.weight":        "backbone.layers.3.attn.o.weight",
		"backbone.encoder.layer.3.attention.output.LayerNorm.weight":    "backbone.layers.3.attn.norm.weight",
		"backbone.encoder.layer.5.intermediate.dense.weight":            "backbone.layers.5.ffn.up.weight",
		"backbone.encoder.layer.5.output.dense.bias":                    "backbone.layers.5.ffn.down.bias",
		"backbone.encoder.layer.5.output.LayerNorm.bias":                "backbone.layers.5.ffn.norm.bias",
		"backbone.layers.1.attn.q.weight":                               "backbone.layers.1.attn.q.weight",
	}
	for raw, want := range cases {
		k, err := ParseKey(raw)
		require.NoError(t, err, raw)
		got, err := k.Canonical()
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestRemapIsBijective(t *testing.T) {
	// Rendering to the other scheme and back reproduces the key exactly.
	for _, raw := range []string{
		"head_0.fc.weight",
		"head_7.fc.bias",
		"backbone.layers.1.attn.q.weight",
		"backbone.embeddings.word.weight",
	} {
		k, err := ParseKey(raw)
		require.NoError(t, err, raw)
		canonical, err := k.Canonical()
		require.NoError(t, err, raw)

		back, err := ParseKey(canonical)
		require.NoError(t, err, canonical)
		enumerated, err := back.Enumerated()
		require.NoError(t, err, canonical)

		if k.Root == "head" {
			assert.Equal(t, raw, enumerated)
			assert.NotEqual(t, raw, canonical)
		} else {
			// Canonical backbone keys are the same in both schemes.
			assert.Equal(t, raw, canonical)
			assert.Equal(t, raw, enumerated)
		}
	}
}

func TestCanonicalRejectsUnknownBackboneKey(t *testing.T) {
	k, err := ParseKey("backbone.pooler.dense.weight")
	require.NoError(t, err)

	_, err = k.Canonical()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no canonical translation")
}

func TestRemapSkipsBuffers(t *testing.T) {
	scalar := func() *tensor.RawTensor {
		r, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, tensor.CPU)
		require.NoError(t, err)
		return r
	}

	res, err := Remap(map[string]*tensor.RawTensor{
		"head_0.fc.weight":                 scalar(),
		"backbone.embeddings.position_ids": scalar(),
	})
	require.NoError(t, err)
	assert.Len(t, res.Weights, 1)
	assert.Contains(t, res.Weights, "heads.0.fc.weight")
	assert.Equal(t, []string{"backbone.embeddings.position_ids"}, res.Skipped)
}

func TestRemapRejectsCollision(t *testing.T) {
	scalar := func() *tensor.RawTensor {
		r, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, tensor.CPU)
		require.NoError(t, err)
		return r
	}

	_, err := Remap(map[string]*tensor.RawTensor{
		"backbone.embeddings.word_embeddings.weight": scalar(),
		"backbone.embeddings.word.weight":            scalar(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both map to")
}

func TestLoadSafeTensorsEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafeTensors(t, path,
		map[string][]float32{
			"head_1.fc.weight": {1, 2},
			"head_1.fc.bias":   {3},
		},
		map[string][]int{
			"head_1.fc.weight": {1, 2},
			"head_1.fc.bias":   {1},
		})

	res, err := LoadSafeTensors(path)
	require.NoError(t, err)
	assert.Contains(t, res.Weights, "heads.1.fc.weight")
	assert.Contains(t, res.Weights, "heads.1.fc.bias")
}

func TestSafeTensorsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")

	header := map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"head_0.fc.weight": map[string]any{
			"dtype":        "F32",
			"shape":        []int{1, 2},
			"data_offsets": []int{0, 8},
		},
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var file bytes.Buffer
	require.NoError(t, binary.Write(&file, binary.LittleEndian, uint64(len(headerJSON))))
	file.Write(headerJSON)
	file.Write(make([]byte, 8))
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))

	r, err := OpenSafeTensors(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, map[string]string{"format": "pt"}, r.Metadata())

	res, err := LoadSafeTensors(path)
	require.NoError(t, err)
	assert.Equal(t, "pt", res.Metadata["format"])
}
