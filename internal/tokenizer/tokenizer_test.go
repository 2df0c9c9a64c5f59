package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBPE builds a tiny vocabulary covering "low", "lower" and friends.
func testBPE(t *testing.T) *BPE {
	t.Helper()
	vocab := map[string]int64{
		"[PAD]": 0, "[CLS]": 1, "[SEP]": 2, "[UNK]": 3,
		"l": 4, "o": 5, "w": 6, "e": 7, "r": 8,
		"lo": 9, "low": 10, "er": 11, "lower": 12,
		"▁": 13, "▁low": 14, "▁lower": 15,
	}
	merges := []string{
		"l o",
		"lo w",
		"e r",
		"▁ low",
		"▁low er",
		"low er",
	}
	bpe, err := NewBPE(vocab, merges)
	require.NoError(t, err)
	bpe.SetSpecialTokens(1, 2, 0, 3)
	return bpe
}

func TestBPEEncodeMergesGreedily(t *testing.T) {
	bpe := testBPE(t)

	ids, err := bpe.Encode("low")
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids)

	ids, err = bpe.Encode("low lower")
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 15}, ids)
}

func TestBPEUnknownFallsBackToUnk(t *testing.T) {
	bpe := testBPE(t)

	ids, err := bpe.Encode("x")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestBPEUnknownWithoutUnkErrors(t *testing.T) {
	vocab := map[string]int64{"a": 0}
	bpe, err := NewBPE(vocab, nil)
	require.NoError(t, err)

	_, err = bpe.Encode("b")
	require.Error(t, err)
}

func TestBPEDecode(t *testing.T) {
	bpe := testBPE(t)
	text, err := bpe.Decode([]int64{10, 15})
	require.NoError(t, err)
	assert.Equal(t, "low lower", text)
}

func TestEncodeFixedPadsAndMasks(t *testing.T) {
	bpe := testBPE(t)

	enc, err := EncodeFixed(bpe, "low", 8)
	require.NoError(t, err)
	require.Len(t, enc.InputIDs, 8)
	require.Len(t, enc.AttentionMask, 8)

	// [CLS] low [SEP] then pad.
	assert.Equal(t, []int64{1, 10, 2, 0, 0, 0, 0, 0}, enc.InputIDs)
	assert.Equal(t, []int64{1, 1, 1, 0, 0, 0, 0, 0}, enc.AttentionMask)
}

func TestEncodeFixedTruncatesKeepingEOS(t *testing.T) {
	bpe := testBPE(t)

	enc, err := EncodeFixed(bpe, "low low low low", 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 10, 14, 2}, enc.InputIDs)
	assert.Equal(t, []int64{1, 1, 1, 1}, enc.AttentionMask)
}

func writeTokenizerJSON(t *testing.T, dir string, file hfTokenizerFile) string {
	t.Helper()
	data, err := json.Marshal(file)
	require.NoError(t, err)
	path := filepath.Join(dir, "tokenizer.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	var file hfTokenizerFile
	file.Model.Type = "BPE"
	file.Model.Vocab = map[string]int64{"[PAD]": 0, "[CLS]": 1, "[SEP]": 2, "h": 4, "i": 5, "hi": 6}
	file.Model.Merges = json.RawMessage(`["h i"]`)
	file.AddedTokens = []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	}{
		{ID: 0, Content: "[PAD]", Special: true},
		{ID: 1, Content: "[CLS]", Special: true},
		{ID: 2, Content: "[SEP]", Special: true},
	}

	path := writeTokenizerJSON(t, t.TempDir(), file)
	bpe, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1), bpe.BosToken())
	assert.Equal(t, int64(2), bpe.EosToken())
	assert.Equal(t, int64(0), bpe.PadToken())

	ids, err := bpe.Encode("hi")
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, ids)
}

func TestLoadFromFileRejectsUnigram(t *testing.T) {
	var file hfTokenizerFile
	file.Model.Type = "Unigram"
	file.Model.Vocab = map[string]int64{"a": 0}

	path := writeTokenizerJSON(t, t.TempDir(), file)
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported tokenizer model type")
}

func TestParseMergesPairForm(t *testing.T) {
	merges, err := parseMerges(json.RawMessage(`[["h", "i"], ["hi", "s"]]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"h i", "hi s"}, merges)
}

func TestLoadFallsBackToTikToken(t *testing.T) {
	tok, reason, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Contains(t, reason, "tokenizer.json unusable")

	tt, ok := tok.(*TikToken)
	require.True(t, ok)
	assert.Equal(t, DefaultEncoding, tt.Name())

	ids, err := tok.Encode("Explain the theory of relativity.")
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
}

func TestLoadReportsWhyTheFallbackWasTaken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0o644))

	tok, reason, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, reason, "tokenizer.json unusable")
	assert.IsType(t, &TikToken{}, tok)

	tok, reason, err = Load("")
	require.NoError(t, err)
	assert.Contains(t, reason, "no tokenizer.json")
	assert.IsType(t, &TikToken{}, tok)
}

func TestLoadPrefersParsableTokenizerJSON(t *testing.T) {
	var file hfTokenizerFile
	file.Model.Type = "BPE"
	file.Model.Vocab = map[string]int64{"h": 0, "i": 1, "hi": 2}
	file.Model.Merges = json.RawMessage(`["h i"]`)

	path := writeTokenizerJSON(t, t.TempDir(), file)
	tok, reason, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.IsType(t, &BPE{}, tok)
}
