package operators

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

// Wire codes for tensor element types (TensorProto.DataType).
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1
	TensorProtoUint8     = 2
	TensorProtoInt32     = 6
	TensorProtoInt64     = 7
	TensorProtoBool      = 9
	TensorProtoDouble    = 11
)

// WireTypeToDataType maps a TensorProto data type code to the in-memory
// element type.
func WireTypeToDataType(code int) (tensor.DataType, error) {
	switch code {
	case TensorProtoFloat:
		return tensor.Float32, nil
	case TensorProtoUint8:
		return tensor.Uint8, nil
	case TensorProtoInt32:
		return tensor.Int32, nil
	case TensorProtoInt64:
		return tensor.Int64, nil
	case TensorProtoBool:
		return tensor.Bool, nil
	case TensorProtoDouble:
		return tensor.Float64, nil
	default:
		return tensor.Float32, fmt.Errorf("unsupported tensor data type code %d", code)
	}
}

// DataTypeToWireType maps an in-memory element type to its TensorProto code.
func DataTypeToWireType(dtype tensor.DataType) (int, error) {
	switch dtype {
	case tensor.Float32:
		return TensorProtoFloat, nil
	case tensor.Uint8:
		return TensorProtoUint8, nil
	case tensor.Int32:
		return TensorProtoInt32, nil
	case tensor.Int64:
		return TensorProtoInt64, nil
	case tensor.Bool:
		return TensorProtoBool, nil
	case tensor.Float64:
		return TensorProtoDouble, nil
	default:
		return TensorProtoUndefined, fmt.Errorf("unsupported element type %s", dtype)
	}
}
