package loader

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/castml/promptcast/internal/tensor"
)

// GGUF layout (v3):
//
//	[4 bytes: "GGUF" magic]
//	[4 bytes: version]
//	[8 bytes: tensor count]
//	[8 bytes: metadata kv count]
//	[metadata key-value pairs]
//	[tensor infos]
//	[padding to 32-byte alignment]
//	[tensor data]
//
// GGUF is the fallback checkpoint container for models published without a
// safetensors file. Only float tensors appear in classifier checkpoints;
// quantized blocks are rejected.

const (
	ggufMagic     = 0x46554747 // "GGUF" little-endian
	ggufVersion3  = 3
	ggufAlignment = 32
)

type ggufValueType uint32

const (
	ggufTypeUint8   ggufValueType = 0
	ggufTypeInt8    ggufValueType = 1
	ggufTypeUint16  ggufValueType = 2
	ggufTypeInt16   ggufValueType = 3
	ggufTypeUint32  ggufValueType = 4
	ggufTypeInt32   ggufValueType = 5
	ggufTypeFloat32 ggufValueType = 6
	ggufTypeBool    ggufValueType = 7
	ggufTypeString  ggufValueType = 8
	ggufTypeArray   ggufValueType = 9
	ggufTypeUint64  ggufValueType = 10
	ggufTypeInt64   ggufValueType = 11
	ggufTypeFloat64 ggufValueType = 12
)

type ggufTensorDType uint32

const (
	ggufDTypeF32 ggufTensorDType = 0
	ggufDTypeF16 ggufTensorDType = 1
)

type ggufTensorInfo struct {
	name   string
	dims   []uint64 // stored fastest-varying first
	dtype  ggufTensorDType
	offset uint64
}

// GGUFReader reads one GGUF checkpoint.
type GGUFReader struct {
	file       *os.File
	version    uint32
	metadata   map[string]any
	tensors    map[string]ggufTensorInfo
	dataOffset uint64
}

// OpenGGUF opens a checkpoint and parses its header.
func OpenGGUF(path string) (*GGUFReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}

	r := &GGUFReader{
		file:     file,
		metadata: make(map[string]any),
		tensors:  make(map[string]ggufTensorInfo),
	}
	if err := r.parseHeader(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("parse gguf header: %w", err)
	}
	return r, nil
}

func (r *GGUFReader) parseHeader() error {
	var magic uint32
	if err := binary.Read(r.file, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != ggufMagic {
		return fmt.Errorf("bad magic 0x%X", magic)
	}

	if err := binary.Read(r.file, binary.LittleEndian, &r.version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if r.version != ggufVersion3 {
		return fmt.Errorf("unsupported version %d", r.version)
	}

	var tensorCount, metadataCount uint64
	if err := binary.Read(r.file, binary.LittleEndian, &tensorCount); err != nil {
		return fmt.Errorf("read tensor count: %w", err)
	}
	if err := binary.Read(r.file, binary.LittleEndian, &metadataCount); err != nil {
		return fmt.Errorf("read metadata count: %w", err)
	}

	for i := uint64(0); i < metadataCount; i++ {
		key, err := r.readString()
		if err != nil {
			return fmt.Errorf("metadata[%d] key: %w", i, err)
		}
		var vt ggufValueType
		if err := binary.Read(r.file, binary.LittleEndian, &vt); err != nil {
			return fmt.Errorf("metadata[%d] type: %w", i, err)
		}
		value, err := r.readValue(vt)
		if err != nil {
			return fmt.Errorf("metadata[%d] %q: %w", i, key, err)
		}
		r.metadata[key] = value
	}

	for i := uint64(0); i < tensorCount; i++ {
		info, err := r.readTensorInfo()
		if err != nil {
			return fmt.Errorf("tensor info[%d]: %w", i, err)
		}
		r.tensors[info.name] = info
	}

	pos, err := r.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("current position: %w", err)
	}
	r.dataOffset = alignOffset(uint64(pos), ggufAlignment)
	return nil
}

func (r *GGUFReader) readString() (string, error) {
	var length uint64
	if err := binary.Read(r.file, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length > 1024*1024 {
		return "", fmt.Errorf("string length %d too large", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.file, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *GGUFReader) readValue(vt ggufValueType) (any, error) {
	switch vt {
	case ggufTypeUint8:
		var v uint8
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeInt8:
		var v int8
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeUint16:
		var v uint16
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeInt16:
		var v int16
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeUint32:
		var v uint32
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeInt32:
		var v int32
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeFloat32:
		var v float32
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeBool:
		var v bool
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeString:
		return r.readString()
	case ggufTypeUint64:
		var v uint64
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeInt64:
		var v int64
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeFloat64:
		var v float64
		return v, binary.Read(r.file, binary.LittleEndian, &v)
	case ggufTypeArray:
		var elemType ggufValueType
		if err := binary.Read(r.file, binary.LittleEndian, &elemType); err != nil {
			return nil, err
		}
		var count uint64
		if err := binary.Read(r.file, binary.LittleEndian, &count); err != nil {
			return nil, err
		}
		values := make([]any, count)
		for i := range values {
			v, err := r.readValue(elemType)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unknown value type %d", vt)
	}
}

func (r *GGUFReader) readTensorInfo() (ggufTensorInfo, error) {
	var info ggufTensorInfo

	name, err := r.readString()
	if err != nil {
		return info, fmt.Errorf("name: %w", err)
	}
	info.name = name

	var nDims uint32
	if err := binary.Read(r.file, binary.LittleEndian, &nDims); err != nil {
		return info, fmt.Errorf("n_dims: %w", err)
	}
	if nDims > 8 {
		return info, fmt.Errorf("tensor %s: %d dimensions", name, nDims)
	}

	info.dims = make([]uint64, nDims)
	for i := range info.dims {
		if err := binary.Read(r.file, binary.LittleEndian, &info.dims[i]); err != nil {
			return info, fmt.Errorf("dim[%d]: %w", i, err)
		}
	}
	if err := binary.Read(r.file, binary.LittleEndian, &info.dtype); err != nil {
		return info, fmt.Errorf("dtype: %w", err)
	}
	if err := binary.Read(r.file, binary.LittleEndian, &info.offset); err != nil {
		return info, fmt.Errorf("offset: %w", err)
	}
	return info, nil
}

// Close releases the underlying file.
func (r *GGUFReader) Close() error {
	return r.file.Close()
}

// Metadata returns the header metadata.
func (r *GGUFReader) Metadata() map[string]any {
	return r.metadata
}

// TensorNames lists the tensors in the file.
func (r *GGUFReader) TensorNames() []string {
	names := make([]string, 0, len(r.tensors))
	for name := range r.tensors {
		names = append(names, name)
	}
	return names
}

// LoadTensor reads one tensor, widening F16 to float32. Dimensions are
// stored fastest-varying first and are reversed into row-major order.
func (r *GGUFReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}

	shape := make(tensor.Shape, len(info.dims))
	for i, d := range info.dims {
		shape[len(info.dims)-1-i] = int(d)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	elemSize := 4
	if info.dtype == ggufDTypeF16 {
		elemSize = 2
	} else if info.dtype != ggufDTypeF32 {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %d (quantized tensors are not supported)", name, info.dtype)
	}

	data := make([]byte, shape.NumElements()*elemSize)
	if _, err := r.file.ReadAt(data, int64(r.dataOffset+info.offset)); err != nil {
		return nil, fmt.Errorf("tensor %s: read data: %w", name, err)
	}

	if info.dtype == ggufDTypeF16 {
		return widenHalf(data, shape, halfToFloat32)
	}

	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	copy(raw.Data(), data)
	return raw, nil
}

// LoadAll reads every tensor in the file.
func (r *GGUFReader) LoadAll() (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(r.tensors))
	for name := range r.tensors {
		t, err := r.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// LoadGGUF reads a GGUF checkpoint and remaps it.
func LoadGGUF(path string) (*Result, error) {
	reader, err := OpenGGUF(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	raw, err := reader.LoadAll()
	if err != nil {
		return nil, err
	}
	return Remap(raw)
}

func alignOffset(offset, alignment uint64) uint64 {
	if offset%alignment == 0 {
		return offset
	}
	return offset + (alignment - offset%alignment)
}
