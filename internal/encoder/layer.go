package encoder

import (
	"fmt"

	"github.com/castml/promptcast/internal/nn"
	"github.com/castml/promptcast/internal/tensor"
)

// FeedForward is the per-layer MLP: up projection, GELU, down projection,
// residual layer norm.
type FeedForward[B tensor.Backend] struct {
	up   *nn.Linear[B]
	down *nn.Linear[B]
	norm *nn.LayerNorm[B]
}

// NewFeedForward builds the MLP block.
func NewFeedForward[B tensor.Backend](hidden, intermediate int, eps float32, backend B) *FeedForward[B] {
	return &FeedForward[B]{
		up:   nn.NewLinear(hidden, intermediate, backend),
		down: nn.NewLinear(intermediate, hidden, backend),
		norm: nn.NewLayerNorm(hidden, eps, backend),
	}
}

// Forward applies the MLP with a residual connection.
func (f *FeedForward[B]) Forward(hidden *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := f.down.Forward(f.up.Forward(hidden).Gelu())
	return f.norm.Forward(out.Add(hidden))
}

// Parameters returns all MLP parameters.
func (f *FeedForward[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, f.up.Parameters()...)
	params = append(params, f.down.Parameters()...)
	params = append(params, f.norm.Parameters()...)
	return params
}

// StateDict exports up/down projections and the norm.
func (f *FeedForward[B]) StateDict() map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	nn.Merge(out, "up", f.up.StateDict())
	nn.Merge(out, "down", f.down.StateDict())
	nn.Merge(out, "norm", f.norm.StateDict())
	return out
}

// LoadStateDict loads all submodule parameters.
func (f *FeedForward[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := f.up.LoadStateDict(nn.Scoped(stateDict, "up")); err != nil {
		return fmt.Errorf("up: %w", err)
	}
	if err := f.down.LoadStateDict(nn.Scoped(stateDict, "down")); err != nil {
		return fmt.Errorf("down: %w", err)
	}
	if err := f.norm.LoadStateDict(nn.Scoped(stateDict, "norm")); err != nil {
		return fmt.Errorf("norm: %w", err)
	}
	return nil
}

// Layer is one encoder block: self-attention followed by the MLP.
type Layer[B tensor.Backend] struct {
	attn *SelfAttention[B]
	ffn  *FeedForward[B]
}

// NewLayer builds one encoder block.
func NewLayer[B tensor.Backend](hidden, numHeads, intermediate int, eps float32, scaler AttentionScaler, backend B) *Layer[B] {
	return &Layer[B]{
		attn: NewSelfAttention(hidden, numHeads, eps, scaler, backend),
		ffn:  NewFeedForward(hidden, intermediate, eps, backend),
	}
}

// Forward runs attention then the MLP.
func (l *Layer[B]) Forward(hidden, maskBias, relBias *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return l.ffn.Forward(l.attn.Forward(hidden, maskBias, relBias))
}

// Parameters returns all block parameters.
func (l *Layer[B]) Parameters() []*nn.Parameter[B] {
	return append(l.attn.Parameters(), l.ffn.Parameters()...)
}

// StateDict exports the block under attn and ffn.
func (l *Layer[B]) StateDict() map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	nn.Merge(out, "attn", l.attn.StateDict())
	nn.Merge(out, "ffn", l.ffn.StateDict())
	return out
}

// LoadStateDict loads attention and MLP parameters.
func (l *Layer[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := l.attn.LoadStateDict(nn.Scoped(stateDict, "attn")); err != nil {
		return fmt.Errorf("attn: %w", err)
	}
	if err := l.ffn.LoadStateDict(nn.Scoped(stateDict, "ffn")); err != nil {
		return fmt.Errorf("ffn: %w", err)
	}
	return nil
}
