// Package loader reads pretrained checkpoints and remaps their parameter
// names onto the wrapper's canonical layout.
package loader

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/castml/promptcast/internal/tensor"
)

// SafeTensors layout:
//
//	[8 bytes: header size, uint64 LE]
//	[header: JSON object, tensor name -> {dtype, shape, data_offsets}]
//	[raw tensor data]
//
// Offsets in the header are relative to the end of the header.

const maxHeaderSize = 100 * 1024 * 1024

type safeTensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafeTensorsReader reads one .safetensors file.
type SafeTensorsReader struct {
	file       *os.File
	tensors    map[string]safeTensorInfo
	metadata   map[string]string
	dataOffset int64
}

// OpenSafeTensors opens a checkpoint and parses its header.
func OpenSafeTensors(path string) (*SafeTensorsReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("header size %d exceeds limit", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawMap); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("parse header: %w", err)
	}

	r := &SafeTensorsReader{
		file:       file,
		tensors:    make(map[string]safeTensorInfo, len(rawMap)),
		dataOffset: int64(8 + headerSize),
	}
	for key, value := range rawMap {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &r.metadata); err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info safeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("parse entry %s: %w", key, err)
		}
		r.tensors[key] = info
	}
	return r, nil
}

// Close releases the underlying file.
func (r *SafeTensorsReader) Close() error {
	return r.file.Close()
}

// Metadata returns the optional __metadata__ block.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.metadata
}

// TensorNames lists the tensors in the file.
func (r *SafeTensorsReader) TensorNames() []string {
	names := make([]string, 0, len(r.tensors))
	for name := range r.tensors {
		names = append(names, name)
	}
	return names
}

// LoadTensor reads one tensor. Half precision entries (F16, BF16) are
// widened to float32 so the rest of the pipeline sees a single float type.
func (r *SafeTensorsReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}

	shape := tensor.Shape(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	data, err := r.readRange(name, info)
	if err != nil {
		return nil, err
	}

	switch info.DType {
	case "F16":
		return widenHalf(data, shape, halfToFloat32)
	case "BF16":
		return widenHalf(data, shape, bfloatToFloat32)
	}

	dtype, err := safetensorsDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if want := shape.NumElements() * dtype.Size(); want != len(data) {
		return nil, fmt.Errorf("tensor %s: expected %d bytes, got %d", name, want, len(data))
	}

	raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	copy(raw.Data(), data)
	return raw, nil
}

// LoadAll reads every tensor in the file.
func (r *SafeTensorsReader) LoadAll() (map[string]*tensor.RawTensor, error) {
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

func (r *SafeTensorsReader) readRange(name string, info safeTensorInfo) ([]byte, error) {
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if end < start {
		return nil, fmt.Errorf("tensor %s: invalid data offsets [%d, %d]", name, start, end)
	}

	data := make([]byte, end-start)
	if _, err := r.file.ReadAt(data, r.dataOffset+start); err != nil {
		return nil, fmt.Errorf("tensor %s: read data: %w", name, err)
	}
	return data, nil
}

func safetensorsDType(dtype string) (tensor.DataType, error) {
	switch dtype {
	case "F32":
		return tensor.Float32, nil
	case "F64":
		return tensor.Float64, nil
	case "I32":
		return tensor.Int32, nil
	case "I64":
		return tensor.Int64, nil
	case "U8":
		return tensor.Uint8, nil
	case "BOOL":
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func widenHalf(data []byte, shape tensor.Shape, conv func(uint16) float32) (*tensor.RawTensor, error) {
	if len(data) != shape.NumElements()*2 {
		return nil, fmt.Errorf("expected %d half-precision bytes, got %d", shape.NumElements()*2, len(data))
	}

	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	out := raw.AsFloat32()
	for i := range out {
		out[i] = conv(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return raw, nil
}

// halfToFloat32 decodes IEEE 754 binary16.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && frac == 0:
		bits = sign << 31
	case exp == 0:
		// Subnormal: renormalize.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		bits = sign<<31 | e<<23 | (frac&0x3ff)<<13
	case exp == 0x1f:
		bits = sign<<31 | 0xff<<23 | frac<<13
	default:
		bits = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}

// bfloatToFloat32 decodes bfloat16, which is float32 with the low mantissa
// bits dropped.
func bfloatToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
