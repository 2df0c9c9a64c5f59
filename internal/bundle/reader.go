package bundle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

// Read loads a .cpak file back into an executable graph. The blob checksum
// and tensor layout are validated before any tensor is materialized.
func Read(path string) (*graph.Graph, *Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle: %w", err)
	}
	return Parse(data)
}

// Parse loads a bundle from bytes.
func Parse(data []byte) (*graph.Graph, *Header, error) {
	if len(data) < FixedHeaderSize {
		return nil, nil, fmt.Errorf("bundle too small: %d bytes", len(data))
	}
	if string(data[0:4]) != MagicBytes {
		return nil, nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	headerSize := binary.LittleEndian.Uint64(data[16:24])
	blobSize := binary.LittleEndian.Uint64(data[24:32])
	if headerSize > maxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerEnd := uint64(FixedHeaderSize) + headerSize
	blobStart := headerEnd + uint64(padTo(int64(headerEnd), BlobAlignment))
	if blobStart+blobSize > uint64(len(data)) {
		return nil, nil, fmt.Errorf("bundle truncated: need %d bytes, have %d", blobStart+blobSize, len(data))
	}

	var header Header
	if err := json.Unmarshal(data[FixedHeaderSize:headerEnd], &header); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}

	blob := data[blobStart : blobStart+blobSize]

	var stored [ChecksumSize]byte
	copy(stored[:], data[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if sha256.Sum256(blob) != stored {
		return nil, nil, ErrChecksumMismatch
	}

	if err := validateTensorOffsets(header.Tensors, int64(blobSize)); err != nil {
		return nil, nil, err
	}

	g, err := graphFromHeader(&header, blob)
	if err != nil {
		return nil, nil, err
	}
	return g, &header, nil
}

func graphFromHeader(header *Header, blob []byte) (*graph.Graph, error) {
	g := &graph.Graph{Name: header.Graph.Name}

	for _, tm := range header.Tensors {
		dtype, err := stringToDtype(tm.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", tm.Name, err)
		}
		raw, err := tensor.FromBytes(
			append([]byte(nil), blob[tm.Offset:tm.Offset+tm.Size]...),
			tensor.Shape(tm.Shape), dtype, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", tm.Name, err)
		}
		g.Initializers = append(g.Initializers, graph.Initializer{Name: tm.Name, Tensor: raw})
	}

	var err error
	if g.Inputs, err = valuesFromDefs(header.Graph.Inputs); err != nil {
		return nil, err
	}
	if g.Outputs, err = valuesFromDefs(header.Graph.Outputs); err != nil {
		return nil, err
	}

	for _, nd := range header.Graph.Nodes {
		node := operators.Node{
			Name:    nd.Name,
			OpType:  nd.Op,
			Inputs:  append([]string(nil), nd.Inputs...),
			Outputs: append([]string(nil), nd.Outputs...),
		}
		for _, ad := range nd.Attributes {
			node.Attributes = append(node.Attributes, attrFromDef(ad))
		}
		g.Nodes = append(g.Nodes, node)
	}
	return g, nil
}

func valuesFromDefs(defs []ValueDef) ([]graph.ValueInfo, error) {
	values := make([]graph.ValueInfo, 0, len(defs))
	for _, d := range defs {
		dtype, err := stringToDtype(d.DType)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", d.Name, err)
		}
		dims := make([]graph.Dim, len(d.Shape))
		for i, s := range d.Shape {
			dims[i] = graph.Dim{Value: s}
		}
		values = append(values, graph.ValueInfo{Name: d.Name, DType: dtype, Dims: dims})
	}
	return values, nil
}

func attrFromDef(d AttrDef) operators.Attribute {
	a := operators.Attribute{
		Name:   d.Name,
		Type:   d.Type,
		F:      d.F,
		I:      d.I,
		Floats: d.Floats,
		Ints:   d.Ints,
	}
	if d.S != "" {
		a.S = []byte(d.S)
	}
	for _, s := range d.Strings {
		a.Strings = append(a.Strings, []byte(s))
	}
	return a
}
