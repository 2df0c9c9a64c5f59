package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Protobuf wire types.
const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5
)

// ParseFile parses an ONNX model from a file on disk.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from its serialized bytes.
func Parse(data []byte) (*ModelProto, error) {
	m, err := decodeModel(&decoder{buf: data})
	if err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	return m, nil
}

// decoder walks a protobuf buffer. Embedded messages get a sub-decoder over
// their length-delimited slice.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool { return d.pos >= len(d.buf) }

func (d *decoder) tag() (field, wire int, err error) {
	v, err := d.uvarint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 0x7), nil
}

func (d *decoder) uvarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, io.ErrUnexpectedEOF
		}
		b := d.buf[d.pos]
		d.pos++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.New("varint overflow")
		}
	}
}

func (d *decoder) varint() (int64, error) {
	v, err := d.uvarint()
	return int64(v), err
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	end := d.pos + int(n)
	if end < d.pos || end > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := d.buf[d.pos:end]
	d.pos = end
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) float32() (float32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	bits := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return math.Float32frombits(bits), nil
}

// message returns a sub-decoder over a length-delimited field body.
func (d *decoder) message() (*decoder, error) {
	b, err := d.bytes()
	if err != nil {
		return nil, err
	}
	return &decoder{buf: b}, nil
}

func (d *decoder) skip(wire int) error {
	switch wire {
	case wireVarint:
		_, err := d.uvarint()
		return err
	case wire64Bit:
		if d.pos+8 > len(d.buf) {
			return io.ErrUnexpectedEOF
		}
		d.pos += 8
		return nil
	case wireBytes:
		_, err := d.bytes()
		return err
	case wire32Bit:
		if d.pos+4 > len(d.buf) {
			return io.ErrUnexpectedEOF
		}
		d.pos += 4
		return nil
	default:
		return fmt.Errorf("unknown wire type %d", wire)
	}
}

// repeatedInt64 appends values of a repeated int64 field, accepting both
// packed and unpacked encodings.
func (d *decoder) repeatedInt64(wire int, dst []int64) ([]int64, error) {
	if wire == wireBytes {
		sub, err := d.message()
		if err != nil {
			return nil, err
		}
		for !sub.done() {
			v, err := sub.varint()
			if err != nil {
				return nil, err
			}
			dst = append(dst, v)
		}
		return dst, nil
	}
	v, err := d.varint()
	if err != nil {
		return nil, err
	}
	return append(dst, v), nil
}

// repeatedFloat32 appends values of a repeated float field, accepting both
// packed and unpacked encodings.
func (d *decoder) repeatedFloat32(wire int, dst []float32) ([]float32, error) {
	if wire == wireBytes {
		sub, err := d.message()
		if err != nil {
			return nil, err
		}
		for !sub.done() {
			v, err := sub.float32()
			if err != nil {
				return nil, err
			}
			dst = append(dst, v)
		}
		return dst, nil
	}
	v, err := d.float32()
	if err != nil {
		return nil, err
	}
	return append(dst, v), nil
}

func decodeModel(d *decoder) (*ModelProto, error) {
	m := &ModelProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			m.IRVersion, err = d.varint()
		case 2:
			m.ProducerName, err = d.str()
		case 3:
			m.ProducerVersion, err = d.str()
		case 4:
			m.Domain, err = d.str()
		case 5:
			m.ModelVersion, err = d.varint()
		case 6:
			m.DocString, err = d.str()
		case 7:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				m.Graph, err = decodeGraph(sub)
			}
		case 8:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var opset OperatorSetID
				if opset, err = decodeOpset(sub); err == nil {
					m.OpsetImport = append(m.OpsetImport, opset)
				}
			}
		case 14:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var entry StringStringEntry
				if entry, err = decodeMetadataEntry(sub); err == nil {
					m.MetadataProps = append(m.MetadataProps, entry)
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeGraph(d *decoder) (*GraphProto, error) {
	g := &GraphProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var node NodeProto
				if node, err = decodeNode(sub); err == nil {
					g.Nodes = append(g.Nodes, node)
				}
			}
		case 2:
			g.Name, err = d.str()
		case 5:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var t TensorProto
				if t, err = decodeTensor(sub); err == nil {
					g.Initializers = append(g.Initializers, t)
				}
			}
		case 11:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var vi ValueInfoProto
				if vi, err = decodeValueInfo(sub); err == nil {
					g.Inputs = append(g.Inputs, vi)
				}
			}
		case 12:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var vi ValueInfoProto
				if vi, err = decodeValueInfo(sub); err == nil {
					g.Outputs = append(g.Outputs, vi)
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func decodeNode(d *decoder) (NodeProto, error) {
	var n NodeProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return n, err
		}
		switch field {
		case 1:
			var s string
			if s, err = d.str(); err == nil {
				n.Inputs = append(n.Inputs, s)
			}
		case 2:
			var s string
			if s, err = d.str(); err == nil {
				n.Outputs = append(n.Outputs, s)
			}
		case 3:
			n.Name, err = d.str()
		case 4:
			n.OpType, err = d.str()
		case 5:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var attr AttributeProto
				if attr, err = decodeAttribute(sub); err == nil {
					n.Attributes = append(n.Attributes, attr)
				}
			}
		case 7:
			n.Domain, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func decodeTensor(d *decoder) (TensorProto, error) {
	var t TensorProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return t, err
		}
		switch field {
		case 1:
			t.Dims, err = d.repeatedInt64(wire, t.Dims)
		case 2:
			var v int64
			if v, err = d.varint(); err == nil {
				t.DataType = int32(v)
			}
		case 4:
			t.FloatData, err = d.repeatedFloat32(wire, t.FloatData)
		case 7:
			t.Int64Data, err = d.repeatedInt64(wire, t.Int64Data)
		case 8:
			t.Name, err = d.str()
		case 9:
			t.RawData, err = d.bytes()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return t, err
		}
	}
	return t, nil
}

func decodeValueInfo(d *decoder) (ValueInfoProto, error) {
	var vi ValueInfoProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return vi, err
		}
		switch field {
		case 1:
			vi.Name, err = d.str()
		case 2:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				vi.Type, err = decodeType(sub)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return vi, err
		}
	}
	return vi, nil
}

func decodeType(d *decoder) (*TypeProto, error) {
	t := &TypeProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				t.TensorType, err = decodeTensorType(sub)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func decodeTensorType(d *decoder) (*TensorTypeProto, error) {
	t := &TensorTypeProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var v int64
			if v, err = d.varint(); err == nil {
				t.ElemType = int32(v)
			}
		case 2:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				t.Shape, err = decodeShape(sub)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func decodeShape(d *decoder) (*TensorShapeProto, error) {
	s := &TensorShapeProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var sub *decoder
			if sub, err = d.message(); err == nil {
				var dim DimensionProto
				if dim, err = decodeDimension(sub); err == nil {
					s.Dims = append(s.Dims, dim)
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeDimension(d *decoder) (DimensionProto, error) {
	var dim DimensionProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return dim, err
		}
		switch field {
		case 1:
			dim.DimValue, err = d.varint()
		case 2:
			dim.DimParam, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return dim, err
		}
	}
	return dim, nil
}

func decodeAttribute(d *decoder) (AttributeProto, error) {
	var a AttributeProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return a, err
		}
		switch field {
		case 1:
			a.Name, err = d.str()
		case 2:
			a.F, err = d.float32()
		case 3:
			a.I, err = d.varint()
		case 4:
			a.S, err = d.bytes()
		case 7:
			a.Floats, err = d.repeatedFloat32(wire, a.Floats)
		case 8:
			a.Ints, err = d.repeatedInt64(wire, a.Ints)
		case 9:
			var b []byte
			if b, err = d.bytes(); err == nil {
				a.Strings = append(a.Strings, b)
			}
		case 20:
			var v int64
			if v, err = d.varint(); err == nil {
				a.Type = int32(v)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return a, err
		}
	}
	return a, nil
}

func decodeOpset(d *decoder) (OperatorSetID, error) {
	var o OperatorSetID
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return o, err
		}
		switch field {
		case 1:
			o.Domain, err = d.str()
		case 2:
			o.Version, err = d.varint()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return o, err
		}
	}
	return o, nil
}

func decodeMetadataEntry(d *decoder) (StringStringEntry, error) {
	var e StringStringEntry
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return e, err
		}
		switch field {
		case 1:
			e.Key, err = d.str()
		case 2:
			e.Value, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return e, err
		}
	}
	return e, nil
}
