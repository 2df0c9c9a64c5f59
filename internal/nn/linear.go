package nn

import (
	"fmt"

	"github.com/castml/promptcast/internal/tensor"
)

// Linear is a fully connected layer computing y = x @ W.T + b with
// W of shape [out_features, in_features] and b of shape [out_features].
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B]
	bias        *Parameter[B]
	backend     B
}

// NewLinear creates a linear layer with zero-valued parameters; real values
// come from LoadStateDict.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	weight := NewParameter("weight", tensor.Zeros[float32](tensor.Shape{outFeatures, inFeatures}, backend))
	bias := NewParameter("bias", tensor.Zeros[float32](tensor.Shape{outFeatures}, backend))
	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		bias:        bias,
		backend:     backend,
	}
}

// Forward applies the affine transform over the last dimension. Inputs of
// rank 3 are flattened to rank 2 for the matrix product and restored after.
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	last := len(shape) - 1
	if shape[last] != l.inFeatures {
		panic(fmt.Sprintf("linear: expected %d input features, got %d (shape %v)", l.inFeatures, shape[last], shape))
	}

	x := input
	if len(shape) == 3 {
		x = input.Reshape(shape[0]*shape[1], shape[2])
	} else if len(shape) != 2 {
		panic(fmt.Sprintf("linear: expected 2D or 3D input, got shape %v", shape))
	}

	wT := l.weight.Tensor().Transpose() // [in_features, out_features]
	out := x.MatMul(wT)
	out = out.Add(l.bias.Tensor().Reshape(1, l.outFeatures))

	if len(shape) == 3 {
		out = out.Reshape(shape[0], shape[1], l.outFeatures)
	}
	return out
}

// Parameters returns the weight and bias.
func (l *Linear[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{l.weight, l.bias}
}

// StateDict exports the layer parameters.
func (l *Linear[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": l.weight.Tensor().Raw(),
		"bias":   l.bias.Tensor().Raw(),
	}
}

// LoadStateDict loads weight and bias, validating shapes.
func (l *Linear[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	w, err := fetch(stateDict, "weight", tensor.Shape{l.outFeatures, l.inFeatures})
	if err != nil {
		return err
	}
	b, err := fetch(stateDict, "bias", tensor.Shape{l.outFeatures})
	if err != nil {
		return err
	}
	l.weight.Replace(tensor.New[float32](w, l.backend))
	l.bias.Replace(tensor.New[float32](b, l.backend))
	return nil
}
