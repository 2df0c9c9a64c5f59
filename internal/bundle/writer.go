package bundle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/graph/operators"
)

// WriteOptions carries the header fields the pipeline stamps on a bundle.
type WriteOptions struct {
	MinRuntimeVersion string
	Metadata          map[string]string
}

// Write packages a captured graph as a .cpak file. The graph must be fully
// static: every input and output dimension is written at its capture-time
// value, dynamic markers are ignored. The file is written to a temp name
// and renamed so a failed run leaves no partial bundle.
func Write(path string, g *graph.Graph, opts WriteOptions) error {
	if opts.MinRuntimeVersion == "" {
		opts.MinRuntimeVersion = MinRuntimeVersion
	}

	header := Header{
		FormatVersion:     FormatVersion,
		MinRuntimeVersion: opts.MinRuntimeVersion,
		CreatedAt:         time.Now().UTC(),
		Metadata:          opts.Metadata,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	def, err := graphToDef(g)
	if err != nil {
		return err
	}
	header.Graph = def

	// Blob layout follows initializer declaration order so identical
	// captures produce identical bundles.
	var blob []byte
	var offset int64
	for i := range g.Initializers {
		init := &g.Initializers[i]
		dt, err := dtypeToString(init.Tensor.DType())
		if err != nil {
			return fmt.Errorf("initializer %s: %w", init.Name, err)
		}
		data := init.Tensor.Data()
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   init.Name,
			DType:  dt,
			Shape:  []int(init.Tensor.Shape()),
			Offset: offset,
			Size:   int64(len(data)),
		})
		blob = append(blob, data...)
		offset += int64(len(data))
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if len(headerJSON) > maxHeaderSize {
		return ErrHeaderTooLarge
	}

	checksum := sha256.Sum256(blob)

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	// fixed[8:12] flags, fixed[12:16] reserved
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(blob)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	padding := make([]byte, padTo(int64(FixedHeaderSize+len(headerJSON)), BlobAlignment))

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	for _, chunk := range [][]byte{fixed, headerJSON, padding, blob} {
		if _, err := tmp.Write(chunk); err != nil {
			tmp.Close()
			return fmt.Errorf("write bundle: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func padTo(pos, align int64) int64 {
	return (align - pos%align) % align
}

func graphToDef(g *graph.Graph) (GraphDef, error) {
	def := GraphDef{Name: g.Name}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		nd := NodeDef{
			Name:    n.Name,
			Op:      n.OpType,
			Inputs:  append([]string(nil), n.Inputs...),
			Outputs: append([]string(nil), n.Outputs...),
		}
		for j := range n.Attributes {
			nd.Attributes = append(nd.Attributes, attrToDef(&n.Attributes[j]))
		}
		def.Nodes = append(def.Nodes, nd)
	}

	var err error
	if def.Inputs, err = valuesToDefs(g.Inputs); err != nil {
		return def, err
	}
	if def.Outputs, err = valuesToDefs(g.Outputs); err != nil {
		return def, err
	}
	return def, nil
}

func valuesToDefs(values []graph.ValueInfo) ([]ValueDef, error) {
	defs := make([]ValueDef, 0, len(values))
	for _, v := range values {
		dt, err := dtypeToString(v.DType)
		if err != nil {
			return nil, fmt.Errorf("value %s (shape %v): %w", v.Name, v.Shape(), err)
		}
		defs = append(defs, ValueDef{
			Name:  v.Name,
			DType: dt,
			Shape: []int(v.Shape()),
		})
	}
	return defs, nil
}

func attrToDef(a *operators.Attribute) AttrDef {
	def := AttrDef{
		Name:   a.Name,
		Type:   a.Type,
		F:      a.F,
		I:      a.I,
		S:      string(a.S),
		Floats: a.Floats,
		Ints:   a.Ints,
	}
	for _, s := range a.Strings {
		def.Strings = append(def.Strings, string(s))
	}
	return def
}
