package nn

import (
	"github.com/castml/promptcast/internal/tensor"
)

// MaskedMeanPool reduces [batch, seq, dim] hidden states to [batch, dim] by
// averaging over positions where the attention mask is 1. Padded positions
// contribute nothing, and the divisor is clamped so an all-padding row
// stays finite instead of producing NaN.
type MaskedMeanPool[B tensor.Backend] struct {
	minDivisor float32
}

// NewMaskedMeanPool creates a pool with the standard divisor floor.
func NewMaskedMeanPool[B tensor.Backend]() *MaskedMeanPool[B] {
	return &MaskedMeanPool[B]{minDivisor: 1e-9}
}

// Forward pools hidden [batch, seq, dim] with mask [batch, seq] of 0/1
// floats.
func (p *MaskedMeanPool[B]) Forward(hidden, mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	expanded := mask.Unsqueeze(-1)                         // [batch, seq, 1]
	summed := hidden.Mul(expanded).SumDim(1, false)        // [batch, dim]
	counts := expanded.SumDim(1, false)                    // [batch, 1]
	return summed.Div(counts.ClampMin(p.minDivisor))
}

// Parameters returns nothing; pooling has no weights.
func (p *MaskedMeanPool[B]) Parameters() []*Parameter[B] {
	return nil
}

// StateDict returns an empty dictionary.
func (p *MaskedMeanPool[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (p *MaskedMeanPool[B]) LoadStateDict(map[string]*tensor.RawTensor) error {
	return nil
}
