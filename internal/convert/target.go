package convert

import (
	"fmt"

	"github.com/castml/promptcast/internal/bundle"
	"github.com/castml/promptcast/internal/graph"
	"github.com/castml/promptcast/internal/onnx"
	"github.com/castml/promptcast/internal/tensor"
)

// Target describes one export format. The pipeline captures a single graph
// and hands it to the target; the target owns serialization and the ability
// to re-execute its own artifact for verification.
type Target interface {
	// Name identifies the format in logs and metadata.
	Name() string

	// ArtifactFile is the file name to create under the output directory.
	ArtifactFile() string

	// DynamicAxes reports whether the format supports symbolic batch and
	// sequence dimensions. When false the artifact carries the capture
	// shapes verbatim.
	DynamicAxes() bool

	// Emit serializes the captured graph to path with the given metadata
	// properties embedded in the artifact.
	Emit(path string, g *graph.Graph, meta map[string]string) error

	// Replay loads the emitted artifact back and runs it, proving the file
	// on disk, not just the in-memory graph, reproduces the model.
	Replay(path string, backend tensor.Backend, inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error)
}

// ONNXTarget exports an opset-14 ONNX model with dynamic batch and
// sequence axes.
type ONNXTarget struct{}

func (ONNXTarget) Name() string         { return "onnx" }
func (ONNXTarget) ArtifactFile() string { return "model.onnx" }
func (ONNXTarget) DynamicAxes() bool    { return true }

func (ONNXTarget) Emit(path string, g *graph.Graph, meta map[string]string) error {
	proto, err := onnx.FromGraph(g, onnx.ExportOptions{
		ProducerName:    producerName,
		ProducerVersion: producerVersion,
		Metadata:        meta,
	})
	if err != nil {
		return fmt.Errorf("building onnx model: %w", err)
	}
	if err := onnx.WriteFile(path, proto); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// Re-parse what was written; a file that does not decode is useless to
	// any downstream runtime.
	if _, err := onnx.ParseFile(path); err != nil {
		return fmt.Errorf("re-parsing %s: %w", path, err)
	}
	return nil
}

func (ONNXTarget) Replay(path string, backend tensor.Backend, inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	m, err := onnx.Load(path, backend)
	if err != nil {
		return nil, err
	}
	return m.Run(inputs)
}

// BundleTarget exports the on-device bundle with fixed capture shapes and
// a minimum runtime version marker.
type BundleTarget struct {
	// MinRuntimeVersion overrides the format default when non-empty.
	MinRuntimeVersion string
}

func (BundleTarget) Name() string         { return "bundle" }
func (BundleTarget) ArtifactFile() string { return "model.cpak" }
func (BundleTarget) DynamicAxes() bool    { return false }

func (t BundleTarget) Emit(path string, g *graph.Graph, meta map[string]string) error {
	return bundle.Write(path, g, bundle.WriteOptions{
		MinRuntimeVersion: t.MinRuntimeVersion,
		Metadata:          meta,
	})
}

func (BundleTarget) Replay(path string, backend tensor.Backend, inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	g, _, err := bundle.Read(path)
	if err != nil {
		return nil, err
	}
	exec, err := graph.NewExecutor(g, backend)
	if err != nil {
		return nil, err
	}
	return exec.Run(inputs)
}
