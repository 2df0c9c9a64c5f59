package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castml/promptcast/internal/cpu"
	"github.com/castml/promptcast/internal/encoder"
	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/hub"
	"github.com/castml/promptcast/internal/loader"
	"github.com/castml/promptcast/internal/metadata"
	"github.com/castml/promptcast/internal/model"
	"github.com/castml/promptcast/internal/tensor"
	"github.com/castml/promptcast/internal/tokenizer"
	"github.com/castml/promptcast/internal/trace"
	"github.com/castml/promptcast/internal/verify"
)

const (
	producerName    = "promptcast"
	producerVersion = "0.1.0"

	// attentionScaleFactor accounts for the relative position score term
	// added on top of content-to-content attention.
	attentionScaleFactor = 2
)

// Run executes the full conversion for one target: fetch, load, capture,
// emit, verify, and write the sidecar files. Exactly one capture happens
// per call.
func Run(ctx context.Context, cfg Config, target Target, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	runID := uuid.NewString()
	log = log.With("run_id", runID, "target", target.Name())
	log.Infow("starting conversion", "repo", cfg.Repo, "output_dir", cfg.OutputDir)

	var opts []hub.Option
	if cfg.HubBaseURL != "" {
		opts = append(opts, hub.WithBaseURL(cfg.HubBaseURL))
	}
	if len(cfg.Checksums) > 0 {
		opts = append(opts, hub.WithChecksums(cfg.Checksums))
	}
	client := hub.NewClient(cfg.CacheDir, opts...)
	snap, err := client.FetchModel(ctx, cfg.Repo)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", cfg.Repo, err)
	}
	log.Infow("model files resolved", "dir", snap.Dir, "checkpoint", filepath.Base(snap.CheckpointPath))

	mcfg, err := model.LoadConfig(snap.ConfigPath)
	if err != nil {
		return fmt.Errorf("model config: %w", err)
	}
	heads := mcfg.Heads()

	weights, checkpoint, err := loader.LoadCheckpoint(snap.Dir)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	for _, key := range weights.Skipped {
		log.Warnw("skipping buffer key", "key", key)
	}
	if format, ok := weights.Metadata["format"]; ok {
		log.Infow("checkpoint metadata", "format", format)
	}
	log.Infow("checkpoint loaded", "file", checkpoint, "tensors", len(weights.Weights))

	tok, fallback, err := tokenizer.Load(snap.TokenizerPaths["tokenizer.json"])
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}
	if fallback != "" {
		log.Warnw("using tiktoken fallback tokenizer", "encoding", tokenizer.DefaultEncoding, "reason", fallback)
	}
	enc, err := tokenizer.EncodeFixed(tok, cfg.SampleText, cfg.SeqLen)
	if err != nil {
		return fmt.Errorf("tokenizing sample text: %w", err)
	}

	scaler := encoder.StaticSqrtScaler{Factor: attentionScaleFactor}
	resolver := encoder.SelfAttentionResolver{
		Buckets:     mcfg.PositionBuckets,
		MaxDistance: mcfg.MaxRelativePositions,
	}

	// Eager smoke test. A model that cannot run once on the CPU backend
	// has no business being exported.
	backend := cpu.New()
	eager := model.NewClassifier(mcfg, scaler, resolver, backend)
	if err := eager.LoadStateDict(weights.Weights); err != nil {
		return fmt.Errorf("loading weights: %w", err)
	}
	ids, err := tensor.FromSlice(enc.InputIDs, tensor.Shape{1, cfg.SeqLen}, backend)
	if err != nil {
		return err
	}
	mask, err := tensor.FromSlice(enc.AttentionMask, tensor.Shape{1, cfg.SeqLen}, backend)
	if err != nil {
		return err
	}
	logits, err := eager.Forward(ids, mask)
	if err != nil {
		return fmt.Errorf("smoke test forward pass: %w", err)
	}

	outputNames := make([]string, len(heads))
	eagerOut := make(map[string]*tensor.RawTensor, len(heads))
	for i, h := range heads {
		outputNames[i] = h.OutputName()
		eagerOut[h.OutputName()] = logits[i].Raw()
		log.Infow("smoke test output", "output", h.OutputName(), "shape", logits[i].Shape())
	}

	g, err := capture(mcfg, weights.Weights, scaler, resolver, enc, cfg.SeqLen, target.DynamicAxes())
	if err != nil {
		return fmt.Errorf("capturing graph: %w", err)
	}
	log.Infow("graph captured", "nodes", len(g.Nodes), "initializers", len(g.Initializers))

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	artifactPath := filepath.Join(cfg.OutputDir, target.ArtifactFile())
	meta := map[string]string{
		"author":       "NVIDIA",
		"description":  "Multi-headed prompt task and complexity classifier",
		"source_model": cfg.Repo,
		"checkpoint":   checkpoint,
		"converter":    producerName + " " + producerVersion,
		"run_id":       runID,
	}
	if err := target.Emit(artifactPath, g, meta); err != nil {
		return fmt.Errorf("emitting artifact: %w", err)
	}
	log.Infow("artifact written", "path", artifactPath)

	replayOut, err := target.Replay(artifactPath, backend, map[string]*tensor.RawTensor{
		"input_ids":      ids.Raw(),
		"attention_mask": mask.Raw(),
	})
	if err != nil {
		return fmt.Errorf("replaying artifact: %w", err)
	}
	report, err := verify.Compare(outputNames, eagerOut, replayOut, verify.DefaultTolerance)
	if err != nil {
		return fmt.Errorf("verifying parity: %w", err)
	}
	for _, res := range report.Results {
		if res.Pass {
			log.Infow("parity ok", "output", res.Output, "max_abs_diff", res.MaxAbsDiff)
		} else {
			log.Warnw("parity deviation above tolerance", "output", res.Output,
				"max_abs_diff", res.MaxAbsDiff, "tolerance", report.Tolerance)
		}
	}

	sidecar := metadata.FromConfig(mcfg)
	if err := sidecar.Validate(); err != nil {
		return fmt.Errorf("sidecar metadata: %w", err)
	}
	sidecarPath, err := metadata.Write(cfg.OutputDir, sidecar)
	if err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}
	log.Infow("sidecar written", "path", sidecarPath)

	if err := copyModelFiles(snap, cfg.OutputDir); err != nil {
		return fmt.Errorf("copying tokenizer files: %w", err)
	}

	if err := logArtifacts(log, cfg.OutputDir); err != nil {
		return err
	}
	log.Infow("conversion finished")
	return nil
}

// capture re-runs the model under the recorder and returns the graph.
// Parameters are registered in sorted key order so two captures of the
// same checkpoint produce identical graphs.
func capture(mcfg *model.Config, weights map[string]*tensor.RawTensor,
	scaler encoder.AttentionScaler, resolver encoder.RelPosResolver,
	enc *tokenizer.Encoding, seqLen int, dynamicAxes bool) (*graph.Graph, error) {

	rec := trace.NewRecorder(cpu.New())
	clf := model.NewClassifier(mcfg, scaler, resolver, rec)
	if err := clf.LoadStateDict(weights); err != nil {
		return nil, fmt.Errorf("loading weights: %w", err)
	}

	state := clf.StateDict()
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec.RegisterParameter(k, state[k])
	}

	ids, err := tensor.FromSlice(enc.InputIDs, tensor.Shape{1, seqLen}, rec)
	if err != nil {
		return nil, err
	}
	mask, err := tensor.FromSlice(enc.AttentionMask, tensor.Shape{1, seqLen}, rec)
	if err != nil {
		return nil, err
	}

	inputDims := []graph.Dim{{Value: 1}, {Value: seqLen}}
	if dynamicAxes {
		inputDims = []graph.Dim{
			{Value: 1, Param: "batch_size"},
			{Value: seqLen, Param: "sequence_length"},
		}
	}
	rec.RegisterInput("input_ids", ids.Raw(), inputDims)
	rec.RegisterInput("attention_mask", mask.Raw(), inputDims)

	logits, err := clf.Forward(ids, mask)
	if err != nil {
		return nil, fmt.Errorf("traced forward pass: %w", err)
	}

	outputs := make([]trace.NamedTensor, len(logits))
	for i, h := range clf.Heads() {
		out := trace.NamedTensor{Name: h.OutputName(), Tensor: logits[i].Raw()}
		if dynamicAxes {
			out.Dims = []graph.Dim{{Value: 1, Param: "batch_size"}, {Value: h.Classes}}
		}
		outputs[i] = out
	}
	return rec.Finish("prompt_classifier", outputs)
}

// copyModelFiles places the tokenizer files and the model config next to
// the artifact so the output directory is self-contained.
func copyModelFiles(snap *hub.Snapshot, outDir string) error {
	files := make(map[string]string, len(snap.TokenizerPaths)+1)
	for name, path := range snap.TokenizerPaths {
		files[name] = path
	}
	files["config.json"] = snap.ConfigPath

	for name, src := range files {
		if err := copyFile(src, filepath.Join(outDir, name)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// logArtifacts lists every file in the output directory with its size.
func logArtifacts(log *zap.SugaredLogger, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		log.Infow("artifact file", "name", e.Name(), "bytes", info.Size())
	}
	return nil
}
