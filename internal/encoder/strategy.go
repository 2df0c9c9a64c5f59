// Package encoder implements the shared transformer encoder: token
// embeddings, self-attention layers with a learned relative position bias,
// and a feed-forward block per layer.
//
// Two decisions that vary between runtime targets are injected as
// strategies rather than patched into the math: how attention scores are
// scaled, and how relative positions between query and key sequences are
// resolved. Both must be resolvable at construction time so the forward
// pass stays free of value-dependent control flow and can be captured as a
// static graph.
package encoder

import (
	"fmt"
	"math"

	"github.com/castml/promptcast/internal/tensor"
)

// AttentionScaler computes the attention score divisor for a head size.
// The result is a host-side constant, never a graph tensor, so capture
// records it as a scalar.
type AttentionScaler interface {
	Scale(headDim int) float32
}

// StaticSqrtScaler scales scores by sqrt(headDim * Factor). Factor accounts
// for the extra score terms added on top of content-to-content attention;
// with a relative position bias in play it is 2.
type StaticSqrtScaler struct {
	Factor int
}

// Scale returns the divisor.
func (s StaticSqrtScaler) Scale(headDim int) float32 {
	factor := s.Factor
	if factor < 1 {
		factor = 1
	}
	return float32(math.Sqrt(float64(headDim * factor)))
}

// RelPosResolver produces the relative position bucket table for a
// query/key sequence length pair. The table is an int64 tensor of shape
// [qLen, kLen] holding indices into the relative embedding table.
type RelPosResolver interface {
	Resolve(qLen, kLen int) (*tensor.RawTensor, error)
}

// SelfAttentionResolver resolves relative positions for self-attention,
// where query and key lengths are equal by definition. Mismatched lengths
// would require rebuilding the table from runtime shapes, which a static
// graph cannot express, so they are rejected up front.
type SelfAttentionResolver struct {
	Buckets     int
	MaxDistance int
}

// Resolve returns the [qLen, kLen] bucket id table.
func (r SelfAttentionResolver) Resolve(qLen, kLen int) (*tensor.RawTensor, error) {
	if qLen != kLen {
		return nil, fmt.Errorf("relative positions require equal query and key lengths, got %d and %d: cross-attention is not supported", qLen, kLen)
	}
	return buildBucketTable(qLen, kLen, r.Buckets, r.MaxDistance)
}

// DynamicResolver rebuilds the bucket table for whatever lengths arrive,
// including unequal query/key pairs. The table then depends on runtime
// shapes, which a static graph cannot express, so the encoder reports it
// as a value-dependent decision and capturing backends fail the run.
type DynamicResolver struct {
	Buckets     int
	MaxDistance int
}

// Resolve returns the [qLen, kLen] bucket id table.
func (r DynamicResolver) Resolve(qLen, kLen int) (*tensor.RawTensor, error) {
	return buildBucketTable(qLen, kLen, r.Buckets, r.MaxDistance)
}

// ShapeDependent marks the resolver's output as a function of runtime
// shapes.
func (DynamicResolver) ShapeDependent() bool { return true }

// shapeDependent reports whether a resolver's table varies with runtime
// shapes.
func shapeDependent(r RelPosResolver) bool {
	sd, ok := r.(interface{ ShapeDependent() bool })
	return ok && sd.ShapeDependent()
}
