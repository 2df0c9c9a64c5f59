package encoder

import (
	"fmt"

	"github.com/castml/promptcast/internal/nn"
	"github.com/castml/promptcast/internal/tensor"
)

// Config holds the encoder hyperparameters.
type Config struct {
	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	IntermediateSize int
	PositionBuckets  int
	MaxRelativeDist  int
	LayerNormEps     float32
}

// Encoder is the shared transformer backbone. Parameters live under the
// keys embeddings.*, layers.<i>.*, and rel_embeddings.weight.
type Encoder[B tensor.Backend] struct {
	cfg      Config
	backend  B
	resolver RelPosResolver

	wordEmb *nn.Embedding[B]
	embNorm *nn.LayerNorm[B]
	layers  []*Layer[B]
	relEmb  *nn.Embedding[B]
}

// New builds an encoder with the given strategies. Weights start zeroed and
// are filled by LoadStateDict.
func New[B tensor.Backend](cfg Config, scaler AttentionScaler, resolver RelPosResolver, backend B) *Encoder[B] {
	layers := make([]*Layer[B], cfg.NumLayers)
	for i := range layers {
		layers[i] = NewLayer(cfg.HiddenSize, cfg.NumHeads, cfg.IntermediateSize, cfg.LayerNormEps, scaler, backend)
	}
	return &Encoder[B]{
		cfg:      cfg,
		backend:  backend,
		resolver: resolver,
		wordEmb:  nn.NewEmbedding(cfg.VocabSize, cfg.HiddenSize, backend),
		embNorm:  nn.NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps, backend),
		layers:   layers,
		relEmb:   nn.NewEmbedding(2*cfg.PositionBuckets, cfg.NumHeads, backend),
	}
}

// Config returns the encoder hyperparameters.
func (e *Encoder[B]) Config() Config {
	return e.cfg
}

// Forward encodes inputIDs [batch, seq] with a 0/1 float mask [batch, seq]
// into hidden states [batch, seq, hidden].
func (e *Encoder[B]) Forward(inputIDs *tensor.Tensor[int64, B], mask *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	seq := inputIDs.Shape()[1]

	hidden := e.embNorm.Forward(e.wordEmb.Forward(inputIDs))

	// Padding positions get a large negative additive bias before softmax.
	maskBias := mask.MulScalar(-1).AddScalar(1).MulScalar(-10000).
		Unsqueeze(1).Unsqueeze(2) // [batch, 1, 1, seq]

	relBias, err := e.relativeBias(seq)
	if err != nil {
		return nil, err
	}

	for _, layer := range e.layers {
		hidden = layer.Forward(hidden, maskBias, relBias)
	}
	return hidden, nil
}

// relativeBias builds the [1, heads, seq, seq] additive bias from the
// bucket table and the learned per-head embedding. The table depends only
// on the sequence length, so under capture it enters the graph as a
// constant.
func (e *Encoder[B]) relativeBias(seq int) (*tensor.Tensor[float32, B], error) {
	if shapeDependent(e.resolver) {
		tensor.NotifyDynamic(e.backend, "relative position resolution")
	}
	table, err := e.resolver.Resolve(seq, seq)
	if err != nil {
		return nil, fmt.Errorf("relative position bias: %w", err)
	}

	lookup := e.backend.Embedding(e.relEmb.Weight().Raw(), table) // [seq, seq, heads]
	bias := e.backend.Unsqueeze(e.backend.Transpose(lookup, 2, 0, 1), 0)
	return tensor.New[float32](bias, e.backend), nil
}

// Parameters returns all encoder parameters.
func (e *Encoder[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, e.wordEmb.Parameters()...)
	params = append(params, e.embNorm.Parameters()...)
	for _, layer := range e.layers {
		params = append(params, layer.Parameters()...)
	}
	params = append(params, e.relEmb.Parameters()...)
	return params
}

// StateDict exports the backbone parameters.
func (e *Encoder[B]) StateDict() map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	nn.Merge(out, "embeddings.word", e.wordEmb.StateDict())
	nn.Merge(out, "embeddings.norm", e.embNorm.StateDict())
	for i, layer := range e.layers {
		nn.Merge(out, fmt.Sprintf("layers.%d", i), layer.StateDict())
	}
	nn.Merge(out, "rel_embeddings", e.relEmb.StateDict())
	return out
}

// LoadStateDict loads the backbone parameters.
func (e *Encoder[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := e.wordEmb.LoadStateDict(nn.Scoped(stateDict, "embeddings.word")); err != nil {
		return fmt.Errorf("embeddings.word: %w", err)
	}
	if err := e.embNorm.LoadStateDict(nn.Scoped(stateDict, "embeddings.norm")); err != nil {
		return fmt.Errorf("embeddings.norm: %w", err)
	}
	for i, layer := range e.layers {
		prefix := fmt.Sprintf("layers.%d", i)
		if err := layer.LoadStateDict(nn.Scoped(stateDict, prefix)); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}
	if err := e.relEmb.LoadStateDict(nn.Scoped(stateDict, "rel_embeddings")); err != nil {
		return fmt.Errorf("rel_embeddings: %w", err)
	}
	return nil
}
