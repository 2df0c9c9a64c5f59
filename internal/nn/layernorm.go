package nn

import (
	"github.com/castml/promptcast/internal/tensor"
)

// LayerNorm normalizes the last dimension to zero mean and unit variance,
// then applies a learned affine transform.
type LayerNorm[B tensor.Backend] struct {
	dim     int
	eps     float32
	weight  *Parameter[B]
	bias    *Parameter[B]
	backend B
}

// NewLayerNorm creates a layer norm over the trailing dimension of size dim.
func NewLayerNorm[B tensor.Backend](dim int, eps float32, backend B) *LayerNorm[B] {
	return &LayerNorm[B]{
		dim:     dim,
		eps:     eps,
		weight:  NewParameter("weight", tensor.Ones[float32](tensor.Shape{dim}, backend)),
		bias:    NewParameter("bias", tensor.Zeros[float32](tensor.Shape{dim}, backend)),
		backend: backend,
	}
}

// Forward normalizes input over its last dimension.
func (ln *LayerNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	mean := input.MeanDim(-1, true)
	centered := input.Sub(mean)
	variance := centered.Mul(centered).MeanDim(-1, true)
	normed := centered.Div(variance.AddScalar(ln.eps).Sqrt())
	return normed.Mul(ln.weight.Tensor()).Add(ln.bias.Tensor())
}

// Parameters returns the scale and shift.
func (ln *LayerNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{ln.weight, ln.bias}
}

// StateDict exports the layer parameters.
func (ln *LayerNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": ln.weight.Tensor().Raw(),
		"bias":   ln.bias.Tensor().Raw(),
	}
}

// LoadStateDict loads scale and shift, validating shapes.
func (ln *LayerNorm[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	w, err := fetch(stateDict, "weight", tensor.Shape{ln.dim})
	if err != nil {
		return err
	}
	b, err := fetch(stateDict, "bias", tensor.Shape{ln.dim})
	if err != nil {
		return err
	}
	ln.weight.Replace(tensor.New[float32](w, ln.backend))
	ln.bias.Replace(tensor.New[float32](b, ln.backend))
	return nil
}
