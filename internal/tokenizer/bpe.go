package tokenizer

import (
	"fmt"
	"strings"
)

// BPE is a byte-pair-encoding tokenizer built from a vocabulary and an
// ordered merge list, the two tables a HuggingFace tokenizer.json carries.
type BPE struct {
	vocab        map[string]int64
	reverseVocab map[int64]string
	mergeRanks   map[mergePair]int

	bosToken int64
	eosToken int64
	padToken int64
	unkToken int64
}

type mergePair struct {
	left, right string
}

// NewBPE builds a tokenizer from a vocabulary and merge rules. Merge order
// is rank order: earlier rules merge first.
func NewBPE(vocab map[string]int64, merges []string) (*BPE, error) {
	b := &BPE{
		vocab:        vocab,
		reverseVocab: make(map[int64]string, len(vocab)),
		mergeRanks:   make(map[mergePair]int, len(merges)),
		bosToken:     -1,
		eosToken:     -1,
		padToken:     -1,
		unkToken:     -1,
	}
	for token, id := range vocab {
		b.reverseVocab[id] = token
	}
	for rank, m := range merges {
		left, right, ok := strings.Cut(m, " ")
		if !ok {
			return nil, fmt.Errorf("malformed merge rule %q", m)
		}
		b.mergeRanks[mergePair{left, right}] = rank
	}
	return b, nil
}

// SetSpecialTokens records special token IDs; -1 disables a slot.
func (b *BPE) SetSpecialTokens(bos, eos, pad, unk int64) {
	b.bosToken = bos
	b.eosToken = eos
	b.padToken = pad
	b.unkToken = unk
}

// Encode converts text to token IDs.
func (b *BPE) Encode(text string) ([]int64, error) {
	if text == "" {
		return []int64{}, nil
	}

	var tokens []int64
	for i, word := range strings.Fields(text) {
		// Leading-space marker, the usual pre-tokenizer convention for
		// word-boundary-aware vocabularies.
		if i > 0 || strings.HasPrefix(text, " ") {
			word = "▁" + word
		}
		for _, piece := range b.applyMerges(word) {
			id, ok := b.vocab[piece]
			if !ok {
				if b.unkToken < 0 {
					return nil, fmt.Errorf("token %q not in vocabulary and no unknown token is defined", piece)
				}
				id = b.unkToken
			}
			tokens = append(tokens, id)
		}
	}
	return tokens, nil
}

// applyMerges runs the merge loop over one pre-tokenized word: repeatedly
// fuse the adjacent pair with the lowest rank until none applies.
func (b *BPE) applyMerges(word string) []string {
	parts := make([]string, 0, len(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}

	for len(parts) > 1 {
		bestIdx := -1
		bestRank := len(b.mergeRanks)
		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := b.mergeRanks[mergePair{parts[i], parts[i+1]}]; ok && rank < bestRank {
				bestIdx = i
				bestRank = rank
			}
		}
		if bestIdx < 0 {
			break
		}
		merged := parts[bestIdx] + parts[bestIdx+1]
		parts = append(parts[:bestIdx], append([]string{merged}, parts[bestIdx+2:]...)...)
	}
	return parts
}

// Decode converts token IDs back to text.
func (b *BPE) Decode(tokens []int64) (string, error) {
	var sb strings.Builder
	for _, id := range tokens {
		token, ok := b.reverseVocab[id]
		if !ok {
			return "", fmt.Errorf("token ID %d not in vocabulary", id)
		}
		sb.WriteString(token)
	}
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), "▁", " ")), nil
}

// VocabSize returns the vocabulary size.
func (b *BPE) VocabSize() int { return len(b.vocab) }

// BosToken returns the beginning-of-sequence token ID, or -1.
func (b *BPE) BosToken() int64 { return b.bosToken }

// EosToken returns the end-of-sequence token ID, or -1.
func (b *BPE) EosToken() int64 { return b.eosToken }

// PadToken returns the padding token ID, or -1.
func (b *BPE) PadToken() int64 { return b.padToken }
