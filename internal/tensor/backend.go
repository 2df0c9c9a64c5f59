package tensor

// Backend defines the interface that compute backends must implement.
//
// Implementations:
//   - cpu.Backend: pure Go eager execution
//   - trace.Recorder: decorator that delegates to an inner backend while
//     recording every operation into a static graph
//
// Every operation here lowers to exactly one graph node during capture, so
// the interface is deliberately restricted to shape-static operations. Code
// that needs a value-dependent decision (a branch on tensor contents) must
// resolve it before calling into the backend; see the encoder strategies.
type Backend interface {
	// Element-wise binary operations with NumPy-style broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// Matrix operations.
	// MatMul handles 2D inputs; BatchMatMul handles 3D/4D batched inputs.
	MatMul(a, b *RawTensor) *RawTensor
	BatchMatMul(a, b *RawTensor) *RawTensor

	// Scalar operations (element-wise with a scalar constant).
	AddScalar(x *RawTensor, scalar float32) *RawTensor
	SubScalar(x *RawTensor, scalar float32) *RawTensor
	MulScalar(x *RawTensor, scalar float32) *RawTensor
	DivScalar(x *RawTensor, scalar float32) *RawTensor

	// Element-wise math.
	Sqrt(x *RawTensor) *RawTensor
	Exp(x *RawTensor) *RawTensor
	Tanh(x *RawTensor) *RawTensor
	Gelu(x *RawTensor) *RawTensor
	ClampMin(x *RawTensor, min float32) *RawTensor

	// Softmax along a dimension (negative dims count from the end).
	Softmax(x *RawTensor, dim int) *RawTensor

	// Reductions.
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	MeanDim(x *RawTensor, dim int, keepDim bool) *RawTensor

	// Shape operations.
	Reshape(x *RawTensor, shape Shape) *RawTensor
	Transpose(x *RawTensor, axes ...int) *RawTensor
	Unsqueeze(x *RawTensor, dim int) *RawTensor
	Squeeze(x *RawTensor, dim int) *RawTensor
	Expand(x *RawTensor, shape Shape) *RawTensor

	// Embedding looks up rows of weight [vocab, dim] by integer indices.
	Embedding(weight, indices *RawTensor) *RawTensor

	// Cast converts element type.
	Cast(x *RawTensor, dtype DataType) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}

// DynamicGuard is implemented by backends that cannot represent
// value-dependent control flow. Code that is about to take a branch on
// runtime tensor contents must call NotifyDynamic first so a capturing
// backend can fail the conversion instead of recording a wrong graph.
type DynamicGuard interface {
	Dynamic(op string)
}

// NotifyDynamic reports a value-dependent decision to the backend, if it
// cares. Eager backends ignore it; the graph recorder turns it into a
// fatal capture error.
func NotifyDynamic(b Backend, op string) {
	if g, ok := b.(DynamicGuard); ok {
		g.Dynamic(op)
	}
}
