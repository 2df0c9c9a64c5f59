package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/tensor"
)

func ggufString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

// writeGGUF builds a v3 file with one metadata string and one F32 tensor.
func writeGGUF(t *testing.T, path, tensorName string, data []float32, dims []uint64) {
	t.Helper()

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ggufMagic))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ggufVersion3))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(1)) // tensor count
	_ = binary.Write(&buf, binary.LittleEndian, uint64(1)) // metadata count

	ggufString(&buf, "general.architecture")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ggufTypeString))
	ggufString(&buf, "prompt-classifier")

	ggufString(&buf, tensorName)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(dims)))
	for _, d := range dims {
		_ = binary.Write(&buf, binary.LittleEndian, d)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ggufDTypeF32))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0)) // offset in data section

	for buf.Len()%ggufAlignment != 0 {
		buf.WriteByte(0)
	}
	for _, v := range data {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestOpenGGUFRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	// GGUF dims are fastest-varying first: a row-major [3, 2] tensor is
	// written as dims [2, 3].
	writeGGUF(t, path, "head_0.fc.weight", []float32{1, 2, 3, 4, 5, 6}, []uint64{2, 3})

	r, err := OpenGGUF(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "prompt-classifier", r.Metadata()["general.architecture"])
	assert.Equal(t, []string{"head_0.fc.weight"}, r.TensorNames())

	raw, err := r.LoadTensor("head_0.fc.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2}, raw.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, raw.AsFloat32())
}

func TestOpenGGUFRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(path, []byte("NOPEnope"), 0o644))

	_, err := OpenGGUF(path)
	require.Error(t, err)
}

func TestLoadCheckpointPrefersSafeTensors(t *testing.T) {
	dir := t.TempDir()
	writeSafeTensors(t, filepath.Join(dir, "model.safetensors"),
		map[string][]float32{"head_0.fc.bias": {1}},
		map[string][]int{"head_0.fc.bias": {1}})
	writeGGUF(t, filepath.Join(dir, "model.gguf"), "head_0.fc.bias", []float32{9}, []uint64{1})

	res, used, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, "model.safetensors", used)
	assert.Equal(t, float32(1), res.Weights["heads.0.fc.bias"].AsFloat32()[0])
}

func TestLoadCheckpointFallsBackToGGUF(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "model.gguf"), "head_0.fc.bias", []float32{9}, []uint64{1})

	res, used, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, "model.gguf", used)
	assert.Equal(t, float32(9), res.Weights["heads.0.fc.bias"].AsFloat32()[0])
}

func TestLoadCheckpointNothingFound(t *testing.T) {
	_, _, err := LoadCheckpoint(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint file")
}
