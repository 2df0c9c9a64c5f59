package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/cpu"
	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/tensor"
)

func newInput(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func TestCaptureAffine(t *testing.T) {
	rec := NewRecorder(cpu.New())

	x := newInput(t, []float32{1, 1}, tensor.Shape{1, 2})
	w := newInput(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	b := newInput(t, []float32{10, 20}, tensor.Shape{2})

	rec.RegisterInput("x", x, []graph.Dim{{Value: 1, Param: "batch_size"}, {Value: 2}})
	rec.RegisterParameter("w", w)
	rec.RegisterParameter("b", b)

	y := rec.Add(rec.MatMul(x, w), b)

	g, err := rec.Finish("affine", []NamedTensor{{Name: "y", Tensor: y}})
	require.NoError(t, err)

	// MatMul, Add, plus the renaming Identity.
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "MatMul", g.Nodes[0].OpType)
	assert.Equal(t, "Add", g.Nodes[1].OpType)
	assert.Equal(t, "Identity", g.Nodes[2].OpType)

	assert.Equal(t, []string{"x"}, g.InputNames())
	assert.Equal(t, []string{"y"}, g.OutputNames())
	assert.Equal(t, "batch_size", g.Inputs[0].Dims[0].Param)

	// The eager result carries the expected value.
	assert.Equal(t, []float32{14, 26}, y.AsFloat32())
}

func TestCapturedGraphReplays(t *testing.T) {
	backend := cpu.New()
	rec := NewRecorder(backend)

	x := newInput(t, []float32{-1, 0, 2, 5}, tensor.Shape{2, 2})
	rec.RegisterInput("x", x, nil)

	y := rec.Softmax(rec.Gelu(x), -1)

	g, err := rec.Finish("act", []NamedTensor{{Name: "y", Tensor: y}})
	require.NoError(t, err)

	exec, err := graph.NewExecutor(g, backend)
	require.NoError(t, err)

	out, err := exec.Run(map[string]*tensor.RawTensor{"x": x})
	require.NoError(t, err)

	eager := y.AsFloat32()
	replayed := out["y"].AsFloat32()
	require.Len(t, replayed, len(eager))
	for i := range eager {
		assert.InDelta(t, eager[i], replayed[i], 1e-5)
	}
}

func TestCaptureIsDeterministic(t *testing.T) {
	capture := func() *graph.Graph {
		rec := NewRecorder(cpu.New())
		x := newInput(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
		rec.RegisterInput("x", x, nil)
		y := rec.MulScalar(rec.Exp(x), 0.5)
		g, err := rec.Finish("g", []NamedTensor{{Name: "y", Tensor: y}})
		require.NoError(t, err)
		return g
	}

	a, b := capture(), capture()
	require.Equal(t, len(a.Nodes), len(b.Nodes))
	for i := range a.Nodes {
		assert.Equal(t, a.Nodes[i].Name, b.Nodes[i].Name)
		assert.Equal(t, a.Nodes[i].Inputs, b.Nodes[i].Inputs)
		assert.Equal(t, a.Nodes[i].Outputs, b.Nodes[i].Outputs)
	}
	require.Equal(t, len(a.Initializers), len(b.Initializers))
	for i := range a.Initializers {
		assert.Equal(t, a.Initializers[i].Name, b.Initializers[i].Name)
	}
}

func TestDynamicControlFlowPoisonsCapture(t *testing.T) {
	rec := NewRecorder(cpu.New())

	x := newInput(t, []float32{1}, tensor.Shape{1})
	rec.RegisterInput("x", x, nil)
	y := rec.Exp(x)

	tensor.NotifyDynamic(rec, "cross attention query selection")

	_, err := rec.Finish("g", []NamedTensor{{Name: "y", Tensor: y}})
	require.Error(t, err)

	var dyn *ErrDynamicControlFlow
	require.ErrorAs(t, err, &dyn)
	assert.Contains(t, dyn.Op, "cross attention")
}

func TestFinishRejectsForeignOutput(t *testing.T) {
	rec := NewRecorder(cpu.New())

	x := newInput(t, []float32{1}, tensor.Shape{1})
	rec.RegisterInput("x", x, nil)
	_ = rec.Exp(x)

	stranger := newInput(t, []float32{2}, tensor.Shape{1})
	_, err := rec.Finish("g", []NamedTensor{{Name: "y", Tensor: stranger}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not produced")
}

func TestConstantTensorsBecomeInitializers(t *testing.T) {
	rec := NewRecorder(cpu.New())

	x := newInput(t, []float32{1, 2}, tensor.Shape{2})
	rec.RegisterInput("x", x, nil)

	// A tensor built outside the recorder enters the graph as a constant.
	table := newInput(t, []float32{10, 20}, tensor.Shape{2})
	y := rec.Add(x, table)

	g, err := rec.Finish("g", []NamedTensor{{Name: "y", Tensor: y}})
	require.NoError(t, err)

	require.Len(t, g.Initializers, 1)
	assert.Equal(t, "const_0", g.Initializers[0].Name)
}
