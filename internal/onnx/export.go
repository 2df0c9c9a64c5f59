package onnx

import (
	"fmt"
	"sort"

	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

// ExportOptions controls the model-level fields stamped on an exported
// graph.
type ExportOptions struct {
	ProducerName    string
	ProducerVersion string
	DocString       string
	// Metadata lands in metadata_props, sorted by key so exports are
	// deterministic.
	Metadata map[string]string
}

// FromGraph converts a captured graph into an ONNX model at the pinned
// opset. Initializer bytes are referenced, not copied; the graph must stay
// alive until the model is serialized.
func FromGraph(g *graph.Graph, opts ExportOptions) (*ModelProto, error) {
	gp := &GraphProto{Name: g.Name}

	for i := range g.Nodes {
		gp.Nodes = append(gp.Nodes, nodeToProto(&g.Nodes[i]))
	}

	for i := range g.Initializers {
		init := &g.Initializers[i]
		tp, err := tensorToProto(init.Name, init.Tensor.DType(), init.Tensor.Shape(), init.Tensor.Data())
		if err != nil {
			return nil, fmt.Errorf("initializer %s: %w", init.Name, err)
		}
		gp.Initializers = append(gp.Initializers, tp)
	}

	for _, in := range g.Inputs {
		vi, err := valueInfoToProto(in)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		gp.Inputs = append(gp.Inputs, vi)
	}
	for _, out := range g.Outputs {
		vi, err := valueInfoToProto(out)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", out.Name, err)
		}
		gp.Outputs = append(gp.Outputs, vi)
	}

	m := &ModelProto{
		IRVersion:       IRVersion,
		ProducerName:    opts.ProducerName,
		ProducerVersion: opts.ProducerVersion,
		DocString:       opts.DocString,
		Graph:           gp,
		OpsetImport:     []OperatorSetID{{Version: OpsetVersion}},
	}

	keys := make([]string, 0, len(opts.Metadata))
	for k := range opts.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.MetadataProps = append(m.MetadataProps, StringStringEntry{Key: k, Value: opts.Metadata[k]})
	}
	return m, nil
}

func nodeToProto(n *operators.Node) NodeProto {
	np := NodeProto{
		Name:    n.Name,
		OpType:  n.OpType,
		Inputs:  append([]string(nil), n.Inputs...),
		Outputs: append([]string(nil), n.Outputs...),
	}
	for i := range n.Attributes {
		a := &n.Attributes[i]
		np.Attributes = append(np.Attributes, AttributeProto{
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
	return np
}

func tensorToProto(name string, dtype tensor.DataType, shape tensor.Shape, raw []byte) (TensorProto, error) {
	code, err := operators.DataTypeToWireType(dtype)
	if err != nil {
		return TensorProto{}, err
	}
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return TensorProto{
		Name:     name,
		DataType: int32(code),
		Dims:     dims,
		RawData:  raw,
	}, nil
}

func valueInfoToProto(v graph.ValueInfo) (ValueInfoProto, error) {
	code, err := operators.DataTypeToWireType(v.DType)
	if err != nil {
		return ValueInfoProto{}, err
	}
	shape := &TensorShapeProto{}
	for _, d := range v.Dims {
		if d.IsDynamic() {
			shape.Dims = append(shape.Dims, DimensionProto{DimParam: d.Param})
		} else {
			shape.Dims = append(shape.Dims, DimensionProto{DimValue: int64(d.Value)})
		}
	}
	return ValueInfoProto{
		Name: v.Name,
		Type: &TypeProto{
			TensorType: &TensorTypeProto{
				ElemType: int32(code),
				Shape:    shape,
			},
		},
	}, nil
}
