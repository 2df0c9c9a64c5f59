// Package tokenizer turns sample text into the fixed-shape integer inputs
// graph capture runs on. The primary path loads the model's own
// tokenizer.json; a tiktoken encoding serves as fallback when the
// repository ships none.
package tokenizer

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	// Encode converts text to token IDs, without special tokens.
	Encode(text string) ([]int64, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int64) (string, error)

	// VocabSize returns the total vocabulary size.
	VocabSize() int

	// BosToken returns the beginning-of-sequence token ID, or -1.
	BosToken() int64

	// EosToken returns the end-of-sequence token ID, or -1.
	EosToken() int64

	// PadToken returns the padding token ID, or -1.
	PadToken() int64
}

// Encoding is one fixed-length tokenized sequence: IDs padded or truncated
// to the requested length, with a matching 0/1 attention mask.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
}

// EncodeFixed tokenizes text to exactly seqLen positions: BOS and EOS (when
// the tokenizer defines them) wrap the content, the remainder is filled
// with the pad token and masked out. Content beyond seqLen is truncated
// with the EOS kept in the final position.
func EncodeFixed(t Tokenizer, text string, seqLen int) (*Encoding, error) {
	ids, err := t.Encode(text)
	if err != nil {
		return nil, err
	}

	full := make([]int64, 0, len(ids)+2)
	if bos := t.BosToken(); bos >= 0 {
		full = append(full, bos)
	}
	full = append(full, ids...)
	eos := t.EosToken()
	if eos >= 0 {
		full = append(full, eos)
	}

	if len(full) > seqLen {
		full = full[:seqLen]
		if eos >= 0 {
			full[seqLen-1] = eos
		}
	}

	pad := t.PadToken()
	if pad < 0 {
		pad = 0
	}

	enc := &Encoding{
		InputIDs:      make([]int64, seqLen),
		AttentionMask: make([]int64, seqLen),
	}
	for i := 0; i < seqLen; i++ {
		if i < len(full) {
			enc.InputIDs[i] = full[i]
			enc.AttentionMask[i] = 1
		} else {
			enc.InputIDs[i] = pad
		}
	}
	return enc, nil
}
