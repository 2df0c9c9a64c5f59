package loader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Checkpoints name the classification heads as numbered attributes
// (head_0.fc.weight) and use the source framework's module names inside the
// backbone. The wrapper expects list-style heads (heads.0.fc.weight) and
// its own backbone layout. Keys are parsed into a structured form first so
// the head index is an integer, not a substring, and malformed names fail
// loudly instead of passing through as unknown strings.

// WeightKey is a parsed checkpoint parameter name.
type WeightKey struct {
	// Root is "backbone" or "head".
	Root string
	// Head is the head index; -1 for backbone keys.
	Head int
	// Path is the dotted remainder inside the module.
	Path string
}

var (
	headKeyRe  = regexp.MustCompile(`^head_(\d+)\.(.+)$`)
	headListRe = regexp.MustCompile(`^heads\.(\d+)\.(.+)$`)
)

// ParseKey classifies a raw checkpoint key. Both head schemes parse to the
// same structured form, so the two layouts are just two renderings of one
// key.
func ParseKey(raw string) (WeightKey, error) {
	m := headKeyRe.FindStringSubmatch(raw)
	if m == nil {
		m = headListRe.FindStringSubmatch(raw)
	}
	if m != nil {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return WeightKey{}, fmt.Errorf("key %q: bad head index: %w", raw, err)
		}
		return WeightKey{Root: "head", Head: idx, Path: m[2]}, nil
	}
	if rest, ok := strings.CutPrefix(raw, "backbone."); ok {
		return WeightKey{Root: "backbone", Head: -1, Path: rest}, nil
	}
	return WeightKey{}, fmt.Errorf("key %q does not belong to the backbone or a head", raw)
}

// backboneRewrites translates source-framework module names into the
// wrapper's layout. Attention-level entries come before layer-level ones
// because both end in output.dense / output.LayerNorm.
var backboneRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`^embeddings\.word_embeddings\.`), "embeddings.word."},
	{regexp.MustCompile(`^embeddings\.LayerNorm\.`), "embeddings.norm."},
	{regexp.MustCompile(`^encoder\.rel_embeddings\.`), "rel_embeddings."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.attention\.self\.query_proj\.`), "layers.$1.attn.q."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.attention\.self\.key_proj\.`), "layers.$1.attn.k."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.attention\.self\.value_proj\.`), "layers.$1.attn.v."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.attention\.output\.dense\.`), "layers.$1.attn.o."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.attention\.output\.LayerNorm\.`), "layers.$1.attn.norm."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.intermediate\.dense\.`), "layers.$1.ffn.up."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.output\.dense\.`), "layers.$1.ffn.down."},
	{regexp.MustCompile(`^encoder\.layer\.(\d+)\.output\.LayerNorm\.`), "layers.$1.ffn.norm."},
	// Checkpoints written by this tool already use the wrapper layout.
	{regexp.MustCompile(`^embeddings\.word\.`), "embeddings.word."},
	{regexp.MustCompile(`^embeddings\.norm\.`), "embeddings.norm."},
	{regexp.MustCompile(`^rel_embeddings\.`), "rel_embeddings."},
	{regexp.MustCompile(`^layers\.(\d+)\.`), "layers.$1."},
}

// Canonical renders the key in the wrapper's layout. Backbone paths with no
// known translation are an error; silently passing them through would defer
// the failure to a missing-parameter message with the wrong name in it.
func (k WeightKey) Canonical() (string, error) {
	switch k.Root {
	case "head":
		return fmt.Sprintf("heads.%d.%s", k.Head, k.Path), nil
	case "backbone":
		for _, rw := range backboneRewrites {
			if rw.re.MatchString(k.Path) {
				return "backbone." + rw.re.ReplaceAllString(k.Path, rw.repl), nil
			}
		}
		return "", fmt.Errorf("backbone key %q has no canonical translation", k.Path)
	default:
		return "", fmt.Errorf("unknown key root %q", k.Root)
	}
}

// Enumerated renders the key in the numbered-attribute scheme used by
// published checkpoints. For head keys it is the exact inverse of
// Canonical; backbone keys render in the wrapper layout, which Canonical
// passes through unchanged, so remapping there and back is lossless.
func (k WeightKey) Enumerated() (string, error) {
	switch k.Root {
	case "head":
		return fmt.Sprintf("head_%d.%s", k.Head, k.Path), nil
	case "backbone":
		canonical, err := k.Canonical()
		if err != nil {
			return "", err
		}
		return canonical, nil
	default:
		return "", fmt.Errorf("unknown key root %q", k.Root)
	}
}

// bufferSuffixes mark checkpoint entries that are derived caches rather
// than weights. They are skipped with a warning instead of failing the
// remap.
var bufferSuffixes = []string{
	".position_ids",
	".rel_pos_ids",
	".num_batches_tracked",
}

// IsBuffer reports whether a raw key names a non-weight buffer.
func IsBuffer(raw string) bool {
	for _, suffix := range bufferSuffixes {
		if strings.HasSuffix(raw, suffix) {
			return true
		}
	}
	return false
}
