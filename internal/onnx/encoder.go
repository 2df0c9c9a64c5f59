package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
)

// Marshal serializes the model to ONNX wire format bytes.
func (m *ModelProto) Marshal() []byte {
	e := &encoder{}
	e.encodeModel(m)
	return e.buf
}

// WriteFile serializes the model and writes it via a temp file so readers
// never observe a partial artifact.
func WriteFile(path string, m *ModelProto) error {
	data := m.Marshal()
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// encoder appends protobuf wire format to buf. Repeated scalar fields are
// emitted unpacked, which both proto2 and proto3 consumers accept.
type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

func (e *encoder) key(field, wire int) {
	e.uvarint(uint64(field)<<3 | uint64(wire))
}

func (e *encoder) int64Field(field int, v int64) {
	e.key(field, wireVarint)
	e.uvarint(uint64(v))
}

func (e *encoder) bytesField(field int, b []byte) {
	e.key(field, wireBytes)
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) stringField(field int, s string) {
	e.key(field, wireBytes)
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) floatField(field int, f float32) {
	e.key(field, wire32Bit)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(f))
}

// messageField runs body against a fresh encoder and emits the result
// length-delimited.
func (e *encoder) messageField(field int, body func(*encoder)) {
	sub := &encoder{}
	body(sub)
	e.bytesField(field, sub.buf)
}

func (e *encoder) encodeModel(m *ModelProto) {
	e.int64Field(1, m.IRVersion)
	if m.ProducerName != "" {
		e.stringField(2, m.ProducerName)
	}
	if m.ProducerVersion != "" {
		e.stringField(3, m.ProducerVersion)
	}
	if m.Domain != "" {
		e.stringField(4, m.Domain)
	}
	if m.ModelVersion != 0 {
		e.int64Field(5, m.ModelVersion)
	}
	if m.DocString != "" {
		e.stringField(6, m.DocString)
	}
	if m.Graph != nil {
		e.messageField(7, func(sub *encoder) { sub.encodeGraph(m.Graph) })
	}
	for i := range m.OpsetImport {
		opset := m.OpsetImport[i]
		e.messageField(8, func(sub *encoder) {
			if opset.Domain != "" {
				sub.stringField(1, opset.Domain)
			}
			sub.int64Field(2, opset.Version)
		})
	}
	for i := range m.MetadataProps {
		entry := m.MetadataProps[i]
		e.messageField(14, func(sub *encoder) {
			sub.stringField(1, entry.Key)
			sub.stringField(2, entry.Value)
		})
	}
}

func (e *encoder) encodeGraph(g *GraphProto) {
	for i := range g.Nodes {
		node := &g.Nodes[i]
		e.messageField(1, func(sub *encoder) { sub.encodeNode(node) })
	}
	if g.Name != "" {
		e.stringField(2, g.Name)
	}
	for i := range g.Initializers {
		t := &g.Initializers[i]
		e.messageField(5, func(sub *encoder) { sub.encodeTensor(t) })
	}
	for i := range g.Inputs {
		vi := &g.Inputs[i]
		e.messageField(11, func(sub *encoder) { sub.encodeValueInfo(vi) })
	}
	for i := range g.Outputs {
		vi := &g.Outputs[i]
		e.messageField(12, func(sub *encoder) { sub.encodeValueInfo(vi) })
	}
}

func (e *encoder) encodeNode(n *NodeProto) {
	for _, in := range n.Inputs {
		e.stringField(1, in)
	}
	for _, out := range n.Outputs {
		e.stringField(2, out)
	}
	if n.Name != "" {
		e.stringField(3, n.Name)
	}
	e.stringField(4, n.OpType)
	for i := range n.Attributes {
		attr := &n.Attributes[i]
		e.messageField(5, func(sub *encoder) { sub.encodeAttribute(attr) })
	}
	if n.Domain != "" {
		e.stringField(7, n.Domain)
	}
}

func (e *encoder) encodeTensor(t *TensorProto) {
	for _, d := range t.Dims {
		e.int64Field(1, d)
	}
	e.int64Field(2, int64(t.DataType))
	for _, v := range t.FloatData {
		e.floatField(4, v)
	}
	for _, v := range t.Int64Data {
		e.int64Field(7, v)
	}
	if t.Name != "" {
		e.stringField(8, t.Name)
	}
	if t.RawData != nil {
		e.bytesField(9, t.RawData)
	}
}

func (e *encoder) encodeValueInfo(vi *ValueInfoProto) {
	e.stringField(1, vi.Name)
	if vi.Type != nil && vi.Type.TensorType != nil {
		tt := vi.Type.TensorType
		e.messageField(2, func(sub *encoder) {
			sub.messageField(1, func(inner *encoder) {
				inner.int64Field(1, int64(tt.ElemType))
				if tt.Shape != nil {
					inner.messageField(2, func(shapeEnc *encoder) {
						for _, dim := range tt.Shape.Dims {
							shapeEnc.messageField(1, func(dimEnc *encoder) {
								if dim.DimParam != "" {
									dimEnc.stringField(2, dim.DimParam)
								} else {
									dimEnc.int64Field(1, dim.DimValue)
								}
							})
						}
					})
				}
			})
		})
	}
}

// encodeAttribute emits the value field matching the attribute type, then
// the type discriminator. The INT and FLOAT values are written even when
// zero so round-trips preserve explicit defaults like keepdims=0.
func (e *encoder) encodeAttribute(a *AttributeProto) {
	e.stringField(1, a.Name)
	switch a.Type {
	case attrTypeFloat:
		e.floatField(2, a.F)
	case attrTypeInt:
		e.int64Field(3, a.I)
	case attrTypeString:
		e.bytesField(4, a.S)
	case attrTypeFloats:
		for _, v := range a.Floats {
			e.floatField(7, v)
		}
	case attrTypeInts:
		for _, v := range a.Ints {
			e.int64Field(8, v)
		}
	case attrTypeStrings:
		for _, s := range a.Strings {
			e.bytesField(9, s)
		}
	}
	e.int64Field(20, int64(a.Type))
}

// AttributeProto.AttributeType enum values.
const (
	attrTypeFloat   = 1
	attrTypeInt     = 2
	attrTypeString  = 3
	attrTypeFloats  = 6
	attrTypeInts    = 7
	attrTypeStrings = 8
)
