// Package trace captures a model's forward pass as a static graph. The
// Recorder satisfies tensor.Backend by delegating every operation to an
// inner eager backend while appending one graph node per call, so running
// the model once against a Recorder yields both the reference outputs and
// the graph that reproduces them.
package trace

import (
	"fmt"

	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

// ErrDynamicControlFlow marks a capture aborted by a value-dependent branch.
// A static graph cannot represent a decision taken on tensor contents, so
// recording continues past the branch would bake the captured path in
// silently. Failing the whole conversion is the only safe outcome.
type ErrDynamicControlFlow struct {
	Op string
}

func (e *ErrDynamicControlFlow) Error() string {
	return fmt.Sprintf("capture aborted: %s depends on tensor values and cannot be recorded as a static graph", e.Op)
}

// Recorder is a capturing tensor.Backend. Names are assigned in SSA style:
// operation results are t_<n>, inline constants are const_<n>. Both
// counters are deterministic for a given call sequence, so capturing the
// same model twice yields identical graphs.
type Recorder struct {
	inner tensor.Backend

	names  map[*tensor.RawTensor]string
	nodes  []operators.Node
	inits  []graph.Initializer
	inputs []graph.ValueInfo

	valueSeq int
	constSeq int
	nodeSeq  map[string]int

	dynamicErr error
}

// NewRecorder wraps an eager backend for capture.
func NewRecorder(inner tensor.Backend) *Recorder {
	return &Recorder{
		inner:   inner,
		names:   make(map[*tensor.RawTensor]string),
		nodeSeq: make(map[string]int),
	}
}

// Name identifies the backend.
func (r *Recorder) Name() string { return "trace(" + r.inner.Name() + ")" }

// Device reports the inner backend's device.
func (r *Recorder) Device() tensor.Device { return r.inner.Device() }

// Dynamic aborts the capture. Implements tensor.DynamicGuard.
func (r *Recorder) Dynamic(op string) {
	if r.dynamicErr == nil {
		r.dynamicErr = &ErrDynamicControlFlow{Op: op}
	}
}

// RegisterParameter names a weight tensor so it becomes a graph initializer
// instead of an anonymous constant.
func (r *Recorder) RegisterParameter(name string, t *tensor.RawTensor) {
	if _, ok := r.names[t]; ok {
		return
	}
	r.names[t] = name
	r.inits = append(r.inits, graph.Initializer{Name: name, Tensor: t})
}

// RegisterInput declares a graph input. Dims may mark dimensions as
// symbolic for exporters that support dynamic shapes.
func (r *Recorder) RegisterInput(name string, t *tensor.RawTensor, dims []graph.Dim) {
	r.names[t] = name
	r.inputs = append(r.inputs, graph.ValueInfo{Name: name, DType: t.DType(), Dims: dims})
}

// Finish assembles the captured graph, renaming the given result tensors to
// the requested output names. Returns an error if capture was poisoned by
// dynamic control flow or an output tensor was never recorded.
func (r *Recorder) Finish(graphName string, outputs []NamedTensor) (*graph.Graph, error) {
	if r.dynamicErr != nil {
		return nil, r.dynamicErr
	}

	g := &graph.Graph{
		Name:         graphName,
		Nodes:        r.nodes,
		Initializers: r.inits,
		Inputs:       r.inputs,
	}

	for _, out := range outputs {
		internal, ok := r.names[out.Tensor]
		if !ok {
			return nil, fmt.Errorf("output %q was not produced by the capture", out.Name)
		}
		// An Identity node renames without rewriting node wiring.
		g.Nodes = append(g.Nodes, operators.Node{
			Name:    r.nodeName("Identity"),
			OpType:  "Identity",
			Inputs:  []string{internal},
			Outputs: []string{out.Name},
		})
		shape := out.Tensor.Shape()
		dims := make([]graph.Dim, len(shape))
		for i, s := range shape {
			dims[i] = graph.Dim{Value: s}
		}
		if len(out.Dims) > 0 {
			dims = out.Dims
		}
		g.Outputs = append(g.Outputs, graph.ValueInfo{Name: out.Name, DType: out.Tensor.DType(), Dims: dims})
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("captured graph is inconsistent: %w", err)
	}
	return g, nil
}

// NamedTensor pairs a result tensor with its public output name.
type NamedTensor struct {
	Name   string
	Tensor *tensor.RawTensor
	Dims   []graph.Dim // optional dynamic-dimension markers
}

func (r *Recorder) nodeName(opType string) string {
	n := r.nodeSeq[opType]
	r.nodeSeq[opType] = n + 1
	return fmt.Sprintf("%s_%d", opType, n)
}

// nameOf resolves a tensor to its graph name, registering tensors the
// recorder has never seen as anonymous constant initializers. Tables built
// eagerly at capture time (position indices, masks) enter the graph this
// way.
func (r *Recorder) nameOf(t *tensor.RawTensor) string {
	if name, ok := r.names[t]; ok {
		return name
	}
	name := fmt.Sprintf("const_%d", r.constSeq)
	r.constSeq++
	r.names[t] = name
	r.inits = append(r.inits, graph.Initializer{Name: name, Tensor: t})
	return name
}

func (r *Recorder) newValue(t *tensor.RawTensor) string {
	name := fmt.Sprintf("t_%d", r.valueSeq)
	r.valueSeq++
	r.names[t] = name
	return name
}

// record appends one node producing out from the given inputs.
func (r *Recorder) record(opType string, inputs []*tensor.RawTensor, out *tensor.RawTensor, attrs ...operators.Attribute) {
	inputNames := make([]string, len(inputs))
	for i, in := range inputs {
		inputNames[i] = r.nameOf(in)
	}
	r.nodes = append(r.nodes, operators.Node{
		Name:       r.nodeName(opType),
		OpType:     opType,
		Inputs:     inputNames,
		Outputs:    []string{r.newValue(out)},
		Attributes: attrs,
	})
}

// scalarConst builds and registers a float32 scalar initializer.
func (r *Recorder) scalarConst(v float32) *tensor.RawTensor {
	t, err := tensor.NewRaw(tensor.Shape{}, tensor.Float32, r.inner.Device())
	if err != nil {
		panic(fmt.Sprintf("trace: scalar alloc: %v", err))
	}
	t.AsFloat32()[0] = v
	r.nameOf(t)
	return t
}

// int64Const builds and registers a 1-D int64 initializer.
func (r *Recorder) int64Const(values []int64) *tensor.RawTensor {
	t, err := tensor.NewRaw(tensor.Shape{len(values)}, tensor.Int64, r.inner.Device())
	if err != nil {
		panic(fmt.Sprintf("trace: int64 alloc: %v", err))
	}
	copy(t.AsInt64(), values)
	r.nameOf(t)
	return t
}
