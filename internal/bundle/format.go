// Package bundle implements the .cpak packaged-graph format consumed by the
// on-device runtime. A bundle is a 64-byte fixed header (magic, version,
// flags, sizes, SHA-256 of the weight blob), a JSON header describing the
// graph and the blob layout, padding to a 64-byte boundary, then the weight
// blob itself.
package bundle

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/castml/promptcast/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "CPAK"
	FormatVersion   = 1
	FixedHeaderSize = 64   // fixed header is 0x40 bytes
	ChecksumOffset  = 0x20 // SHA-256 of the weight blob lives at 0x20
	ChecksumSize    = 32
	BlobAlignment   = 64 // weight blob starts on a 64-byte boundary
)

// MinRuntimeVersion is the oldest runtime release able to execute bundles
// written by this converter.
const MinRuntimeVersion = "1.2.0"

// Validation limits.
const (
	maxHeaderSize  = 100 * 1024 * 1024
	maxTensorCount = 100_000
)

// Common errors.
var (
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrChecksumMismatch   = errors.New("checksum mismatch: bundle may be corrupted")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
)

// ValidationError reports a bundle layout violation.
type ValidationError struct {
	Type    string
	Tensor  string
	Tensor2 string
	Details string
}

func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// Header is the JSON header of a .cpak file.
type Header struct {
	FormatVersion     int               `json:"format_version"`
	MinRuntimeVersion string            `json:"min_runtime_version"`
	CreatedAt         time.Time         `json:"created_at"`
	Metadata          map[string]string `json:"metadata"`
	Graph             GraphDef          `json:"graph"`
	Tensors           []TensorMeta      `json:"tensors"`
}

// GraphDef is the serialized computation graph. Shapes are fully concrete;
// the on-device runtime does not support dynamic dimensions.
type GraphDef struct {
	Name    string     `json:"name"`
	Nodes   []NodeDef  `json:"nodes"`
	Inputs  []ValueDef `json:"inputs"`
	Outputs []ValueDef `json:"outputs"`
}

// NodeDef is one operator invocation.
type NodeDef struct {
	Name       string    `json:"name"`
	Op         string    `json:"op"`
	Inputs     []string  `json:"inputs"`
	Outputs    []string  `json:"outputs"`
	Attributes []AttrDef `json:"attributes,omitempty"`
}

// AttrDef is a static operator argument. Type uses the same enum as the
// operator registry.
type AttrDef struct {
	Name    string    `json:"name"`
	Type    int32     `json:"type"`
	F       float32   `json:"f,omitempty"`
	I       int64     `json:"i"`
	S       string    `json:"s,omitempty"`
	Floats  []float32 `json:"floats,omitempty"`
	Ints    []int64   `json:"ints,omitempty"`
	Strings []string  `json:"strings,omitempty"`
}

// ValueDef declares a graph boundary value at a fixed shape.
type ValueDef struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// TensorMeta locates one initializer inside the weight blob.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// Data type names used in headers.
const (
	dtypeFloat32 = "float32"
	dtypeFloat64 = "float64"
	dtypeInt32   = "int32"
	dtypeInt64   = "int64"
	dtypeUint8   = "uint8"
	dtypeBool    = "bool"
)

func dtypeToString(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return dtypeFloat32, nil
	case tensor.Float64:
		return dtypeFloat64, nil
	case tensor.Int32:
		return dtypeInt32, nil
	case tensor.Int64:
		return dtypeInt64, nil
	case tensor.Uint8:
		return dtypeUint8, nil
	case tensor.Bool:
		return dtypeBool, nil
	default:
		return "", fmt.Errorf("unsupported element type %v", dt)
	}
}

func stringToDtype(s string) (tensor.DataType, error) {
	switch s {
	case dtypeFloat32:
		return tensor.Float32, nil
	case dtypeFloat64:
		return tensor.Float64, nil
	case dtypeInt32:
		return tensor.Int32, nil
	case dtypeInt64:
		return tensor.Int64, nil
	case dtypeUint8:
		return tensor.Uint8, nil
	case dtypeBool:
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// validateTensorOffsets checks blob layout: non-negative regions, in
// bounds, no overlap.
func validateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > maxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), maxTensorCount),
		}
	}

	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i, t := range sorted {
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}
