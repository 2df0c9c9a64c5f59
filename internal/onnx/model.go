package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

// Model is a parsed ONNX file compiled for execution. It exists so an
// exported artifact can be re-run and compared against the live network.
type Model struct {
	proto *ModelProto
	graph *graph.Graph
	exec  *graph.Executor
}

// Load parses an ONNX file and compiles it against the backend.
func Load(path string, backend tensor.Backend) (*Model, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return FromProto(proto, backend)
}

// LoadFromBytes parses serialized model bytes and compiles them.
func LoadFromBytes(data []byte, backend tensor.Backend) (*Model, error) {
	proto, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return FromProto(proto, backend)
}

// FromProto compiles a parsed model. The default-domain opset must not
// exceed the version the operator registry implements.
func FromProto(proto *ModelProto, backend tensor.Backend) (*Model, error) {
	for _, opset := range proto.OpsetImport {
		if (opset.Domain == "" || opset.Domain == "ai.onnx") && opset.Version > OpsetVersion {
			return nil, fmt.Errorf("model requires opset %d, runtime supports %d", opset.Version, OpsetVersion)
		}
	}

	g, err := GraphFromProto(proto)
	if err != nil {
		return nil, err
	}
	exec, err := graph.NewExecutor(g, backend)
	if err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}
	return &Model{proto: proto, graph: g, exec: exec}, nil
}

// Run executes the model with named inputs and returns named outputs.
func (m *Model) Run(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	return m.exec.Run(inputs)
}

// InputNames returns the graph input names in declaration order.
func (m *Model) InputNames() []string { return m.graph.InputNames() }

// OutputNames returns the graph output names in declaration order.
func (m *Model) OutputNames() []string { return m.graph.OutputNames() }

// Graph exposes the compiled graph.
func (m *Model) Graph() *graph.Graph { return m.graph }

// Proto exposes the parsed model message.
func (m *Model) Proto() *ModelProto { return m.proto }

// GraphFromProto lowers a parsed model into the executable graph form.
// Graph inputs that name initializers are dropped, matching exporters that
// declare weights as inputs.
func GraphFromProto(proto *ModelProto) (*graph.Graph, error) {
	gp := proto.Graph
	if gp == nil {
		return nil, fmt.Errorf("model has no graph")
	}

	g := &graph.Graph{Name: gp.Name}

	initNames := make(map[string]bool, len(gp.Initializers))
	for i := range gp.Initializers {
		tp := &gp.Initializers[i]
		raw, err := tensorFromProto(tp)
		if err != nil {
			return nil, fmt.Errorf("initializer %s: %w", tp.Name, err)
		}
		g.Initializers = append(g.Initializers, graph.Initializer{Name: tp.Name, Tensor: raw})
		initNames[tp.Name] = true
	}

	for i := range gp.Inputs {
		if initNames[gp.Inputs[i].Name] {
			continue
		}
		vi, err := valueInfoFromProto(&gp.Inputs[i])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", gp.Inputs[i].Name, err)
		}
		g.Inputs = append(g.Inputs, vi)
	}
	for i := range gp.Outputs {
		vi, err := valueInfoFromProto(&gp.Outputs[i])
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", gp.Outputs[i].Name, err)
		}
		g.Outputs = append(g.Outputs, vi)
	}

	for i := range gp.Nodes {
		g.Nodes = append(g.Nodes, nodeFromProto(&gp.Nodes[i]))
	}
	return g, nil
}

func nodeFromProto(np *NodeProto) operators.Node {
	n := operators.Node{
		Name:    np.Name,
		OpType:  np.OpType,
		Inputs:  append([]string(nil), np.Inputs...),
		Outputs: append([]string(nil), np.Outputs...),
	}
	for i := range np.Attributes {
		a := &np.Attributes[i]
		n.Attributes = append(n.Attributes, operators.Attribute{
			Name:    a.Name,
			Type:    a.Type,
			F:       a.F,
			I:       a.I,
			S:       a.S,
			Floats:  a.Floats,
			Ints:    a.Ints,
			Strings: a.Strings,
		})
	}
	return n
}

func tensorFromProto(tp *TensorProto) (*tensor.RawTensor, error) {
	dtype, err := operators.WireTypeToDataType(int(tp.DataType))
	if err != nil {
		return nil, err
	}
	shape := make(tensor.Shape, len(tp.Dims))
	for i, d := range tp.Dims {
		shape[i] = int(d)
	}

	var raw []byte
	switch {
	case tp.RawData != nil:
		raw = append([]byte(nil), tp.RawData...)
	case len(tp.FloatData) > 0 && dtype == tensor.Float32:
		raw = make([]byte, 0, len(tp.FloatData)*4)
		for _, v := range tp.FloatData {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}
	case len(tp.Int64Data) > 0 && dtype == tensor.Int64:
		raw = make([]byte, 0, len(tp.Int64Data)*8)
		for _, v := range tp.Int64Data {
			raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
		}
	default:
		// Zero-element tensors legitimately carry no data.
		raw = make([]byte, shape.NumElements()*dtype.Size())
	}
	return tensor.FromBytes(raw, shape, dtype, tensor.CPU)
}

func valueInfoFromProto(vi *ValueInfoProto) (graph.ValueInfo, error) {
	out := graph.ValueInfo{Name: vi.Name}
	if vi.Type == nil || vi.Type.TensorType == nil {
		return out, fmt.Errorf("missing tensor type")
	}
	tt := vi.Type.TensorType
	dtype, err := operators.WireTypeToDataType(int(tt.ElemType))
	if err != nil {
		return out, err
	}
	out.DType = dtype
	if tt.Shape != nil {
		for _, d := range tt.Shape.Dims {
			out.Dims = append(out.Dims, graph.Dim{Value: int(d.DimValue), Param: d.DimParam})
		}
	}
	return out, nil
}
