// Package onnx serializes captured graphs to the ONNX wire format and
// parses them back for verification. The protobuf encoding is hand-written
// against the onnx.proto field numbers; only the message subset the exporter
// emits is supported.
package onnx

// IR and opset versions stamped on exported models. Opset 14 requires
// IR version 7.
const (
	IRVersion    = 7
	OpsetVersion = 14
)

// ModelProto is the top-level ONNX model message.
type ModelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []OperatorSetID
	MetadataProps   []StringStringEntry
}

// GraphProto is the computation graph.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Initializers []TensorProto
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
}

// NodeProto is a single operator invocation.
type NodeProto struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []AttributeProto
}

// TensorProto carries initializer data. Exported models always use RawData;
// FloatData and Int64Data are accepted on parse for models produced by
// other tooling.
type TensorProto struct {
	Name      string
	DataType  int32
	Dims      []int64
	RawData   []byte
	FloatData []float32
	Int64Data []int64
}

// ValueInfoProto declares a graph boundary value.
type ValueInfoProto struct {
	Name string
	Type *TypeProto
}

// TypeProto wraps the tensor type. Sequence and map types are not supported.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto is the element type and shape of a tensor value.
type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto lists dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto is one dimension: a fixed size or a symbolic name.
type DimensionProto struct {
	DimValue int64
	DimParam string
}

// AttributeProto is a static operator argument.
type AttributeProto struct {
	Name    string
	Type    int32
	F       float32
	I       int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// OperatorSetID pins an operator domain to a version.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is one metadata_props key/value pair.
type StringStringEntry struct {
	Key   string
	Value string
}
