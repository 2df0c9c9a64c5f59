package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
)

// hfTokenizerFile mirrors the parts of tokenizer.json the loader reads.
type hfTokenizerFile struct {
	Model struct {
		Type     string           `json:"type"`
		Vocab    map[string]int64 `json:"vocab"`
		Merges   json.RawMessage  `json:"merges"`
		UnkToken string           `json:"unk_token"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadFromFile loads a BPE tokenizer from a HuggingFace tokenizer.json.
// Other tokenizer model types (WordPiece, Unigram) are rejected; callers
// fall back to a built-in encoding.
func LoadFromFile(path string) (*BPE, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer file: %w", err)
	}

	var file hfTokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer file: %w", err)
	}
	if file.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model type %q", file.Model.Type)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer file has an empty vocabulary")
	}

	merges, err := parseMerges(file.Model.Merges)
	if err != nil {
		return nil, err
	}

	bpe, err := NewBPE(file.Model.Vocab, merges)
	if err != nil {
		return nil, err
	}

	bos, eos, pad := int64(-1), int64(-1), int64(-1)
	unk := int64(-1)
	if file.Model.UnkToken != "" {
		if id, ok := file.Model.Vocab[file.Model.UnkToken]; ok {
			unk = id
		}
	}
	for _, tok := range file.AddedTokens {
		if !tok.Special {
			continue
		}
		switch tok.Content {
		case "<s>", "<bos>", "[CLS]":
			bos = tok.ID
		case "</s>", "<eos>", "[SEP]":
			eos = tok.ID
		case "<pad>", "[PAD]":
			pad = tok.ID
		case "<unk>", "[UNK]":
			unk = tok.ID
		}
	}
	bpe.SetSpecialTokens(bos, eos, pad, unk)
	return bpe, nil
}

// parseMerges accepts both merge encodings found in the wild: a list of
// "left right" strings, and a list of [left, right] pairs.
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return asStrings, nil
	}

	var asPairs [][]string
	if err := json.Unmarshal(raw, &asPairs); err != nil {
		return nil, fmt.Errorf("parse merges: %w", err)
	}
	merges := make([]string, len(asPairs))
	for i, p := range asPairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("merge rule %d has %d parts, want 2", i, len(p))
		}
		merges[i] = p[0] + " " + p[1]
	}
	return merges, nil
}
