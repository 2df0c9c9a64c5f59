package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castml/promptcast/internal/bundle"
	"github.com/castml/promptcast/internal/cpu"
	"github.com/castml/promptcast/internal/encoder"
	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/metadata"
	"github.com/castml/promptcast/internal/model"
	"github.com/castml/promptcast/internal/onnx"
	"github.com/castml/promptcast/internal/tensor"
	"github.com/castml/promptcast/internal/tokenizer"
	"github.com/castml/promptcast/internal/verify"
)

// tinyModelConfig carries the published head layout on a model small enough
// to capture in a test.
const tinyModelConfig = `{
	"vocab_size": 300,
	"hidden_size": 8,
	"num_hidden_layers": 1,
	"num_attention_heads": 2,
	"intermediate_size": 16,
	"position_buckets": 4,
	"max_relative_positions": 8,
	"layer_norm_eps": 1e-7,
	"target_sizes": {
		"task_type": 12,
		"creativity_scope": 3,
		"reasoning": 2,
		"contextual_knowledge": 2,
		"number_of_few_shots": 6,
		"domain_knowledge": 4,
		"no_label_reason": 1,
		"constraint_ct": 2
	},
	"task_type_map": {"0": "Brainstorming", "1": "Chatbot"},
	"weights_map": {"creativity_scope": [1.0, 0.5, 0.0]},
	"divisor_map": {"creativity_scope": 1.5}
}`

const tinyTokenizerJSON = `{
	"added_tokens": [
		{"id": 0, "content": "[PAD]", "special": true},
		{"id": 1, "content": "[CLS]", "special": true},
		{"id": 2, "content": "[SEP]", "special": true},
		{"id": 3, "content": "[UNK]", "special": true}
	],
	"model": {
		"type": "BPE",
		"unk_token": "[UNK]",
		"vocab": {
			"[PAD]": 0, "[CLS]": 1, "[SEP]": 2, "[UNK]": 3,
			"l": 4, "o": 5, "w": 6, "e": 7, "r": 8,
			"lo": 9, "low": 10, "er": 11, "lower": 12,
			"▁": 13, "▁low": 14, "▁lower": 15
		},
		"merges": ["l o", "lo w", "e r", "▁ low", "▁low er", "low er"]
	}
}`

var expectedOutputs = []string{
	"logits_task_type",
	"logits_creativity_scope",
	"logits_reasoning",
	"logits_contextual_knowledge",
	"logits_few_shots",
	"logits_domain_knowledge",
	"logits_no_label_reason",
	"logits_constraint_ct",
}

var expectedClasses = []int{12, 3, 2, 2, 6, 4, 1, 2}

// writeSafeTensors builds a minimal valid checkpoint file.
func writeSafeTensors(t *testing.T, path string, tensors map[string][]float32, shapes map[string][]int) {
	t.Helper()

	header := make(map[string]any)
	var blob bytes.Buffer
	for name, data := range tensors {
		start := blob.Len()
		for _, v := range data {
			require.NoError(t, binary.Write(&blob, binary.LittleEndian, v))
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        shapes[name],
			"data_offsets": []int{start, blob.Len()},
		}
	}

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var file bytes.Buffer
	require.NoError(t, binary.Write(&file, binary.LittleEndian, uint64(len(headerJSON))))
	file.Write(headerJSON)
	file.Write(blob.Bytes())
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))
}

// checkpointKey renders a canonical state dict key in the checkpoint's own
// key space (numbered head attributes instead of a head list).
func checkpointKey(canonical string) string {
	if rest, ok := strings.CutPrefix(canonical, "heads."); ok {
		return "head_" + rest
	}
	return canonical
}

// setupRun publishes a tiny model on a fake hub and returns a ready pipeline
// config plus an eager classifier holding the same weights.
func setupRun(t *testing.T) (Config, *model.Classifier[*cpu.Backend]) {
	t.Helper()

	var mcfg model.Config
	require.NoError(t, json.Unmarshal([]byte(tinyModelConfig), &mcfg))
	require.NoError(t, mcfg.Validate())

	b := cpu.New()
	clf := model.NewClassifier(&mcfg,
		encoder.StaticSqrtScaler{Factor: attentionScaleFactor},
		encoder.SelfAttentionResolver{Buckets: mcfg.PositionBuckets, MaxDistance: mcfg.MaxRelativePositions},
		b)
	// Seeded random weights, scaled down so the tiny model's logits stay in
	// a numerically stable range.
	rng := rand.New(rand.NewSource(42))
	for _, p := range clf.Parameters() {
		init := tensor.Randn[float32](p.Tensor().Shape(), rng, b)
		data := p.Tensor().Raw().AsFloat32()
		for i, v := range init.Data() {
			data[i] = v * 0.2
		}
	}

	repoDir := t.TempDir()
	tensors := make(map[string][]float32)
	shapes := make(map[string][]int)
	for name, raw := range clf.StateDict() {
		key := checkpointKey(name)
		tensors[key] = raw.AsFloat32()
		shapes[key] = raw.Shape()
	}
	// A derived buffer the loader must skip, not fail on.
	tensors["backbone.embeddings.position_ids"] = []float32{0, 1, 2, 3}
	shapes["backbone.embeddings.position_ids"] = []int{1, 4}
	writeSafeTensors(t, filepath.Join(repoDir, "model.safetensors"), tensors, shapes)

	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "config.json"), []byte(tinyModelConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "tokenizer.json"), []byte(tinyTokenizerJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "tokenizer_config.json"), []byte(`{"model_max_length": 16}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "special_tokens_map.json"), []byte(`{"unk_token": "[UNK]"}`), 0o644))

	const prefix = "/acme/tiny/resolve/main/"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok || strings.Contains(name, "/") {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(repoDir, name))
	}))
	t.Cleanup(server.Close)

	return Config{
		Repo:       "acme/tiny",
		CacheDir:   filepath.Join(t.TempDir(), "cache"),
		OutputDir:  filepath.Join(t.TempDir(), "out"),
		SampleText: "low lower",
		SeqLen:     16,
		HubBaseURL: server.URL,
	}, clf
}

// sampleInputs tokenizes the run's sample text the same way the pipeline
// does.
func sampleInputs(t *testing.T, cfg Config) map[string]*tensor.RawTensor {
	t.Helper()

	tok, fallback, err := tokenizer.Load(filepath.Join(cfg.OutputDir, "tokenizer.json"))
	require.NoError(t, err)
	require.Empty(t, fallback)
	enc, err := tokenizer.EncodeFixed(tok, cfg.SampleText, cfg.SeqLen)
	require.NoError(t, err)

	ids, err := tensor.NewRaw(tensor.Shape{1, cfg.SeqLen}, tensor.Int64, tensor.CPU)
	require.NoError(t, err)
	copy(ids.AsInt64(), enc.InputIDs)
	mask, err := tensor.NewRaw(tensor.Shape{1, cfg.SeqLen}, tensor.Int64, tensor.CPU)
	require.NoError(t, err)
	copy(mask.AsInt64(), enc.AttentionMask)

	return map[string]*tensor.RawTensor{"input_ids": ids, "attention_mask": mask}
}

func eagerOutputs(t *testing.T, clf *model.Classifier[*cpu.Backend], inputs map[string]*tensor.RawTensor) map[string]*tensor.RawTensor {
	t.Helper()

	backend := clf.Parameters()[0].Tensor().Backend()
	ids := tensor.New[int64](inputs["input_ids"], backend)
	mask := tensor.New[int64](inputs["attention_mask"], backend)

	logits, err := clf.Forward(ids, mask)
	require.NoError(t, err)

	out := make(map[string]*tensor.RawTensor, len(logits))
	for i, h := range clf.Heads() {
		out[h.OutputName()] = logits[i].Raw()
	}
	return out
}

func TestPipelineEndToEndONNX(t *testing.T) {
	cfg, clf := setupRun(t)

	err := Run(context.Background(), cfg, ONNXTarget{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	m, err := onnx.Load(filepath.Join(cfg.OutputDir, "model.onnx"), cpu.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"input_ids", "attention_mask"}, m.InputNames())
	assert.Equal(t, expectedOutputs, m.OutputNames())

	g := m.Graph()
	require.Len(t, g.Outputs, len(expectedClasses))
	for i, out := range g.Outputs {
		assert.Equal(t, "batch_size", out.Dims[0].Param, out.Name)
		assert.Equal(t, expectedClasses[i], out.Dims[1].Value, out.Name)
	}
	for _, in := range g.Inputs {
		assert.Equal(t, "batch_size", in.Dims[0].Param, in.Name)
		assert.Equal(t, "sequence_length", in.Dims[1].Param, in.Name)
	}

	inputs := sampleInputs(t, cfg)
	got, err := m.Run(inputs)
	require.NoError(t, err)
	report, err := verify.Compare(expectedOutputs, eagerOutputs(t, clf, inputs), got, verify.DefaultTolerance)
	require.NoError(t, err)
	assert.True(t, report.AllPassed())

	sc, err := metadata.Load(filepath.Join(cfg.OutputDir, metadata.FileName))
	require.NoError(t, err)
	assert.Equal(t, expectedOutputs, sc.OutputNames)
	assert.Equal(t, 12, sc.TargetSizes.Sizes["task_type"])

	for _, name := range []string{"tokenizer.json", "tokenizer_config.json", "special_tokens_map.json", "config.json"} {
		assert.FileExists(t, filepath.Join(cfg.OutputDir, name))
	}
}

func TestPipelineEndToEndBundle(t *testing.T) {
	cfg, clf := setupRun(t)

	err := Run(context.Background(), cfg, BundleTarget{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	path := filepath.Join(cfg.OutputDir, "model.cpak")
	g, header, err := bundle.Read(path)
	require.NoError(t, err)

	assert.Equal(t, bundle.MinRuntimeVersion, header.MinRuntimeVersion)
	assert.Equal(t, "acme/tiny", header.Metadata["source_model"])
	assert.NotEmpty(t, header.Metadata["run_id"])

	require.Len(t, g.Outputs, len(expectedClasses))
	for i, out := range g.Outputs {
		assert.Equal(t, expectedOutputs[i], out.Name)
		assert.Equal(t, expectedClasses[i], out.Dims[1].Value)
		assert.False(t, out.Dims[0].IsDynamic())
	}
	for _, in := range g.Inputs {
		assert.Equal(t, tensor.Shape{1, cfg.SeqLen}, in.Shape())
	}

	exec, err := graph.NewExecutor(g, cpu.New())
	require.NoError(t, err)
	inputs := sampleInputs(t, cfg)
	got, err := exec.Run(inputs)
	require.NoError(t, err)

	report, err := verify.Compare(expectedOutputs, eagerOutputs(t, clf, inputs), got, verify.DefaultTolerance)
	require.NoError(t, err)
	assert.True(t, report.AllPassed())
}

func TestPipelineFailsWithoutCheckpoint(t *testing.T) {
	cfg, _ := setupRun(t)

	// Point at a repo the fake hub does not serve.
	cfg.Repo = "acme/absent"
	err := Run(context.Background(), cfg, ONNXTarget{}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.NoDirExists(t, cfg.OutputDir)
}

func TestPipelineRejectsChecksumMismatch(t *testing.T) {
	cfg, _ := setupRun(t)
	cfg.Checksums = map[string]string{"config.json": strings.Repeat("0", 64)}

	err := Run(context.Background(), cfg, ONNXTarget{}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.NoDirExists(t, cfg.OutputDir)
}
