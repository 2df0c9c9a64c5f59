package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/cpu"
	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

func f32Tensor(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func affineGraph(t *testing.T) *graph.Graph {
	t.Helper()
	return &graph.Graph{
		Name: "affine",
		Nodes: []operators.Node{
			{Name: "MatMul_0", OpType: "MatMul", Inputs: []string{"x", "w"}, Outputs: []string{"t_0"}},
			{Name: "Add_0", OpType: "Add", Inputs: []string{"t_0", "b"}, Outputs: []string{"y"}},
			{
				Name:       "Softmax_0",
				OpType:     "Softmax",
				Inputs:     []string{"y"},
				Outputs:    []string{"probs"},
				Attributes: []operators.Attribute{operators.IntAttr("axis", -1)},
			},
		},
		Initializers: []graph.Initializer{
			{Name: "w", Tensor: f32Tensor(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})},
			{Name: "b", Tensor: f32Tensor(t, []float32{10, 20}, tensor.Shape{2})},
		},
		Inputs:  []graph.ValueInfo{{Name: "x", DType: tensor.Float32, Dims: []graph.Dim{{Value: 1}, {Value: 2}}}},
		Outputs: []graph.ValueInfo{{Name: "probs", DType: tensor.Float32, Dims: []graph.Dim{{Value: 1}, {Value: 2}}}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	g := affineGraph(t)
	path := filepath.Join(t.TempDir(), "model.cpak")

	err := Write(path, g, WriteOptions{Metadata: map[string]string{"source": "unit-test"}})
	require.NoError(t, err)

	loaded, header, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, header.FormatVersion)
	assert.Equal(t, MinRuntimeVersion, header.MinRuntimeVersion)
	assert.Equal(t, "unit-test", header.Metadata["source"])
	assert.Equal(t, "affine", loaded.Name)
	assert.Len(t, loaded.Nodes, 3)
	assert.Equal(t, []string{"x"}, loaded.InputNames())
	assert.Equal(t, []string{"probs"}, loaded.OutputNames())

	w := loaded.Initializer("w")
	require.NotNil(t, w)
	assert.Equal(t, tensor.Shape{2, 2}, w.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, w.AsFloat32())

	// Attributes survive the trip.
	assert.Equal(t, int64(-1), operators.GetAttrInt(&loaded.Nodes[2], "axis", 0))
}

func TestBundleReplaysEagerResult(t *testing.T) {
	backend := cpu.New()
	g := affineGraph(t)

	exec, err := graph.NewExecutor(g, backend)
	require.NoError(t, err)

	x := f32Tensor(t, []float32{1, -1}, tensor.Shape{1, 2})
	want, err := exec.Run(map[string]*tensor.RawTensor{"x": x})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.cpak")
	require.NoError(t, Write(path, g, WriteOptions{}))

	loaded, _, err := Read(path)
	require.NoError(t, err)
	loadedExec, err := graph.NewExecutor(loaded, backend)
	require.NoError(t, err)

	got, err := loadedExec.Run(map[string]*tensor.RawTensor{"x": x})
	require.NoError(t, err)

	wantData := want["probs"].AsFloat32()
	gotData := got["probs"].AsFloat32()
	require.Len(t, gotData, len(wantData))
	for i := range wantData {
		assert.InDelta(t, wantData[i], gotData[i], 1e-6)
	}
}

func TestReadDetectsCorruptedBlob(t *testing.T) {
	g := affineGraph(t)
	path := filepath.Join(t.TempDir(), "model.cpak")
	require.NoError(t, Write(path, g, WriteOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip one byte in the weight blob (last byte of the file).
	data[len(data)-1] ^= 0xff
	_, _, err = Parse(data)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReadRejectsBadMagic(t *testing.T) {
	g := affineGraph(t)
	path := filepath.Join(t.TempDir(), "model.cpak")
	require.NoError(t, Write(path, g, WriteOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(data[0:4], "NOPE")

	_, _, err = Parse(data)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadRejectsUnsupportedVersion(t *testing.T) {
	g := affineGraph(t)
	path := filepath.Join(t.TempDir(), "model.cpak")
	require.NoError(t, Write(path, g, WriteOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[4] = 99

	_, _, err = Parse(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name    string
		tensors []TensorMeta
		size    int64
		wantErr string
	}{
		{
			name: "valid layout",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 16},
				{Name: "b", Offset: 16, Size: 8},
			},
			size: 24,
		},
		{
			name:    "out of bounds",
			tensors: []TensorMeta{{Name: "a", Offset: 8, Size: 32}},
			size:    24,
			wantErr: "out_of_bounds",
		},
		{
			name: "overlap",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 20},
				{Name: "b", Offset: 16, Size: 8},
			},
			size:    24,
			wantErr: "offset_overlap",
		},
		{
			name:    "negative offset",
			tensors: []TensorMeta{{Name: "a", Offset: -4, Size: 8}},
			size:    24,
			wantErr: "negative_offset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTensorOffsets(tt.tensors, tt.size)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteLeavesNoPartialFileOnBadGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.cpak")

	// A graph with an unsupported boundary dtype fails before any write.
	g := affineGraph(t)
	g.Inputs[0].DType = tensor.DataType(99)

	err := Write(path, g, WriteOptions{})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
