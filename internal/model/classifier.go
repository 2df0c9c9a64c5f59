package model

import (
	"fmt"

	"github.com/castml/promptcast/internal/encoder"
	"github.com/castml/promptcast/internal/nn"
	"github.com/castml/promptcast/internal/tensor"
)

// Classifier is the export wrapper: the shared encoder, masked mean
// pooling, and one linear head per target. It returns raw logits; score
// post-processing (weighting, divisors) stays in the metadata sidecar for
// the consuming runtime.
type Classifier[B tensor.Backend] struct {
	cfg     *Config
	heads   []HeadSpec
	backend B

	backbone *encoder.Encoder[B]
	pool     *nn.MaskedMeanPool[B]
	fcs      []*nn.Linear[B]
}

// NewClassifier builds the wrapper from a validated config and the injected
// attention strategies.
func NewClassifier[B tensor.Backend](cfg *Config, scaler encoder.AttentionScaler, resolver encoder.RelPosResolver, backend B) *Classifier[B] {
	heads := cfg.Heads()

	fcs := make([]*nn.Linear[B], len(heads))
	for i, h := range heads {
		fcs[i] = nn.NewLinear(cfg.HiddenSize, h.Classes, backend)
	}

	backbone := encoder.New(encoder.Config{
		VocabSize:        cfg.VocabSize,
		HiddenSize:       cfg.HiddenSize,
		NumLayers:        cfg.NumHiddenLayers,
		NumHeads:         cfg.NumAttentionHeads,
		IntermediateSize: cfg.IntermediateSize,
		PositionBuckets:  cfg.PositionBuckets,
		MaxRelativeDist:  cfg.MaxRelativePositions,
		LayerNormEps:     cfg.LayerNormEps,
	}, scaler, resolver, backend)

	return &Classifier[B]{
		cfg:      cfg,
		heads:    heads,
		backend:  backend,
		backbone: backbone,
		pool:     nn.NewMaskedMeanPool[B](),
		fcs:      fcs,
	}
}

// Heads returns the ordered head specifications.
func (c *Classifier[B]) Heads() []HeadSpec {
	return c.heads
}

// Forward runs the full model. The attention mask arrives as int64 (the
// tokenizer's natural output) and is cast to float once, up front, so both
// the mask bias and the pooling divisor derive from the same tensor.
func (c *Classifier[B]) Forward(inputIDs, attentionMask *tensor.Tensor[int64, B]) ([]*tensor.Tensor[float32, B], error) {
	mask := tensor.CastTo[float32](attentionMask, tensor.Float32)

	hidden, err := c.backbone.Forward(inputIDs, mask)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}

	pooled := c.pool.Forward(hidden, mask)

	logits := make([]*tensor.Tensor[float32, B], len(c.fcs))
	for i, fc := range c.fcs {
		logits[i] = fc.Forward(pooled)
	}
	return logits, nil
}

// Parameters returns all model parameters.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	params := c.backbone.Parameters()
	for _, fc := range c.fcs {
		params = append(params, fc.Parameters()...)
	}
	return params
}

// StateDict exports the model under backbone.* and heads.<i>.fc.*.
func (c *Classifier[B]) StateDict() map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	nn.Merge(out, "backbone", c.backbone.StateDict())
	for i, fc := range c.fcs {
		nn.Merge(out, fmt.Sprintf("heads.%d.fc", i), fc.StateDict())
	}
	return out
}

// LoadStateDict loads the model parameters.
func (c *Classifier[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := c.backbone.LoadStateDict(nn.Scoped(stateDict, "backbone")); err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	for i, fc := range c.fcs {
		prefix := fmt.Sprintf("heads.%d.fc", i)
		if err := fc.LoadStateDict(nn.Scoped(stateDict, prefix)); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}
	return nil
}
