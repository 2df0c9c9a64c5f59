package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when a repository ships no
// loadable tokenizer.json.
const DefaultEncoding = "cl100k_base"

// TikToken adapts a tiktoken encoding to the Tokenizer interface. It has no
// BOS or pad tokens; fixed-length encoding pads with ID 0.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken loads a tiktoken encoding by name.
func NewTikToken(name string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", name, err)
	}
	return &TikToken{encoding: encoding, name: name}, nil
}

// Encode converts text to token IDs.
func (t *TikToken) Encode(text string) ([]int64, error) {
	tokens := t.encoding.Encode(text, nil, nil)
	out := make([]int64, len(tokens))
	for i, tok := range tokens {
		out[i] = int64(tok)
	}
	return out, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int64) (string, error) {
	ints := make([]int, len(tokens))
	for i, tok := range tokens {
		ints[i] = int(tok)
	}
	return t.encoding.Decode(ints), nil
}

// VocabSize returns the encoding's vocabulary size.
func (t *TikToken) VocabSize() int {
	switch t.name {
	case "cl100k_base":
		return 100256
	case "p50k_base", "r50k_base":
		return 50257
	default:
		return 100000
	}
}

// BosToken returns -1; tiktoken encodings define no BOS token.
func (t *TikToken) BosToken() int64 { return -1 }

// EosToken returns the <|endoftext|> ID for the encoding, or -1.
func (t *TikToken) EosToken() int64 {
	switch t.name {
	case "cl100k_base":
		return 100257
	case "p50k_base", "r50k_base":
		return 50256
	default:
		return -1
	}
}

// PadToken returns -1; tiktoken encodings define no pad token.
func (t *TikToken) PadToken() int64 { return -1 }

// Name returns the encoding name.
func (t *TikToken) Name() string { return t.name }

// Load picks the tokenizer for a model directory: tokenizer.json when it
// parses, otherwise the default tiktoken encoding. When the fallback is
// taken, reason says why so callers can surface it.
func Load(tokenizerPath string) (tok Tokenizer, reason string, err error) {
	if tokenizerPath == "" {
		tok, err = NewTikToken(DefaultEncoding)
		return tok, "repository publishes no tokenizer.json", err
	}
	bpe, parseErr := LoadFromFile(tokenizerPath)
	if parseErr == nil {
		return bpe, "", nil
	}
	tok, err = NewTikToken(DefaultEncoding)
	return tok, fmt.Sprintf("tokenizer.json unusable: %v", parseErr), err
}
