package encoder

import (
	"fmt"

	"github.com/castml/promptcast/internal/nn"
	"github.com/castml/promptcast/internal/tensor"
)

// SelfAttention is multi-head self-attention with an additive relative
// position bias and a post-attention residual layer norm.
type SelfAttention[B tensor.Backend] struct {
	numHeads int
	headDim  int
	hidden   int
	scale    float32

	q, k, v, o *nn.Linear[B]
	norm       *nn.LayerNorm[B]
}

// NewSelfAttention builds the attention block. The score divisor comes from
// the injected scaler and is fixed at construction.
func NewSelfAttention[B tensor.Backend](hidden, numHeads int, eps float32, scaler AttentionScaler, backend B) *SelfAttention[B] {
	if hidden%numHeads != 0 {
		panic(fmt.Sprintf("attention: hidden size %d is not divisible by %d heads", hidden, numHeads))
	}
	headDim := hidden / numHeads
	return &SelfAttention[B]{
		numHeads: numHeads,
		headDim:  headDim,
		hidden:   hidden,
		scale:    scaler.Scale(headDim),
		q:        nn.NewLinear(hidden, hidden, backend),
		k:        nn.NewLinear(hidden, hidden, backend),
		v:        nn.NewLinear(hidden, hidden, backend),
		o:        nn.NewLinear(hidden, hidden, backend),
		norm:     nn.NewLayerNorm(hidden, eps, backend),
	}
}

// Forward attends over hidden [batch, seq, hidden]. maskBias is the
// additive padding bias [batch, 1, 1, seq]; relBias is the per-head
// relative position bias [1, heads, seq, seq].
func (a *SelfAttention[B]) Forward(hidden, maskBias, relBias *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := hidden.Shape()
	batch, seq := shape[0], shape[1]

	q := a.split(a.q.Forward(hidden), batch, seq) // [batch, heads, seq, headDim]
	k := a.split(a.k.Forward(hidden), batch, seq)
	v := a.split(a.v.Forward(hidden), batch, seq)

	scores := q.BatchMatMul(k.Transpose(0, 1, 3, 2)).DivScalar(a.scale) // [batch, heads, seq, seq]
	scores = scores.Add(relBias).Add(maskBias)

	probs := scores.Softmax(-1)
	context := probs.BatchMatMul(v) // [batch, heads, seq, headDim]

	merged := context.Transpose(0, 2, 1, 3).Reshape(batch, seq, a.hidden)
	return a.norm.Forward(a.o.Forward(merged).Add(hidden))
}

// split reshapes [batch, seq, hidden] into [batch, heads, seq, headDim].
func (a *SelfAttention[B]) split(x *tensor.Tensor[float32, B], batch, seq int) *tensor.Tensor[float32, B] {
	return x.Reshape(batch, seq, a.numHeads, a.headDim).Transpose(0, 2, 1, 3)
}

// Parameters returns all projection and norm parameters.
func (a *SelfAttention[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, a.q.Parameters()...)
	params = append(params, a.k.Parameters()...)
	params = append(params, a.v.Parameters()...)
	params = append(params, a.o.Parameters()...)
	params = append(params, a.norm.Parameters()...)
	return params
}

// StateDict exports projections under q/k/v/o and the residual norm.
func (a *SelfAttention[B]) StateDict() map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	nn.Merge(out, "q", a.q.StateDict())
	nn.Merge(out, "k", a.k.StateDict())
	nn.Merge(out, "v", a.v.StateDict())
	nn.Merge(out, "o", a.o.StateDict())
	nn.Merge(out, "norm", a.norm.StateDict())
	return out
}

// LoadStateDict loads all submodule parameters.
func (a *SelfAttention[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := a.q.LoadStateDict(nn.Scoped(stateDict, "q")); err != nil {
		return fmt.Errorf("q: %w", err)
	}
	if err := a.k.LoadStateDict(nn.Scoped(stateDict, "k")); err != nil {
		return fmt.Errorf("k: %w", err)
	}
	if err := a.v.LoadStateDict(nn.Scoped(stateDict, "v")); err != nil {
		return fmt.Errorf("v: %w", err)
	}
	if err := a.o.LoadStateDict(nn.Scoped(stateDict, "o")); err != nil {
		return fmt.Errorf("o: %w", err)
	}
	if err := a.norm.LoadStateDict(nn.Scoped(stateDict, "norm")); err != nil {
		return fmt.Errorf("norm: %w", err)
	}
	return nil
}
