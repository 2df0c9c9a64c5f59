package nn

import (
	"github.com/castml/promptcast/internal/tensor"
)

// Embedding maps integer token ids to dense vectors by table lookup.
type Embedding[B tensor.Backend] struct {
	numEmbeddings int
	dim           int
	weight        *Parameter[B]
	backend       B
}

// NewEmbedding creates an embedding table of shape [numEmbeddings, dim].
func NewEmbedding[B tensor.Backend](numEmbeddings, dim int, backend B) *Embedding[B] {
	weight := NewParameter("weight", tensor.Zeros[float32](tensor.Shape{numEmbeddings, dim}, backend))
	return &Embedding[B]{
		numEmbeddings: numEmbeddings,
		dim:           dim,
		weight:        weight,
		backend:       backend,
	}
}

// Forward looks up rows for int64 indices of shape [batch, seq], producing
// [batch, seq, dim].
func (e *Embedding[B]) Forward(indices *tensor.Tensor[int64, B]) *tensor.Tensor[float32, B] {
	raw := e.backend.Embedding(e.weight.Tensor().Raw(), indices.Raw())
	return tensor.New[float32](raw, e.backend)
}

// Weight exposes the table for shared lookups.
func (e *Embedding[B]) Weight() *tensor.Tensor[float32, B] {
	return e.weight.Tensor()
}

// Parameters returns the embedding table.
func (e *Embedding[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{e.weight}
}

// StateDict exports the table.
func (e *Embedding[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": e.weight.Tensor().Raw(),
	}
}

// LoadStateDict loads the table, validating its shape.
func (e *Embedding[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	w, err := fetch(stateDict, "weight", tensor.Shape{e.numEmbeddings, e.dim})
	if err != nil {
		return err
	}
	e.weight.Replace(tensor.New[float32](w, e.backend))
	return nil
}
