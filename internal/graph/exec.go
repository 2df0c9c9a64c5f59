package graph

import (
	"fmt"

	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

// Executor runs a graph against a backend. It is the verification path:
// after export, the artifact is parsed back into a Graph and replayed here
// to compare against the eager model.
type Executor struct {
	graph    *Graph
	registry *operators.Registry
	backend  tensor.Backend
	weights  map[string]*tensor.RawTensor
}

// NewExecutor prepares a graph for execution. The node list is sorted into
// dependency order and validated once up front.
func NewExecutor(g *Graph, backend tensor.Backend) (*Executor, error) {
	g.SortNodes()
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	weights := make(map[string]*tensor.RawTensor, len(g.Initializers))
	for i := range g.Initializers {
		weights[g.Initializers[i].Name] = g.Initializers[i].Tensor
	}

	return &Executor{
		graph:    g,
		registry: operators.NewRegistry(),
		backend:  backend,
		weights:  weights,
	}, nil
}

// Run executes the graph with named inputs and returns the declared outputs.
func (e *Executor) Run(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	tensors := make(map[string]*tensor.RawTensor, len(e.weights)+len(inputs))
	for name, t := range e.weights {
		tensors[name] = t
	}
	for name, t := range inputs {
		tensors[name] = t
	}

	for _, in := range e.graph.Inputs {
		if _, ok := tensors[in.Name]; !ok {
			return nil, fmt.Errorf("missing input: %s", in.Name)
		}
	}

	ctx := &operators.Context{Backend: e.backend}
	for i := range e.graph.Nodes {
		node := &e.graph.Nodes[i]

		nodeInputs := make([]*tensor.RawTensor, len(node.Inputs))
		for j, inputName := range node.Inputs {
			if inputName == "" {
				continue
			}
			t, ok := tensors[inputName]
			if !ok {
				return nil, fmt.Errorf("node %s: missing input %s", node.Name, inputName)
			}
			nodeInputs[j] = t
		}

		outputs, err := e.registry.Execute(ctx, node, nodeInputs)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", node.Name, node.OpType, err)
		}

		for j, outputName := range node.Outputs {
			if j < len(outputs) {
				tensors[outputName] = outputs[j]
			}
		}
	}

	result := make(map[string]*tensor.RawTensor, len(e.graph.Outputs))
	for _, out := range e.graph.Outputs {
		t, ok := tensors[out.Name]
		if !ok {
			return nil, fmt.Errorf("missing output: %s", out.Name)
		}
		result[out.Name] = t
	}
	return result, nil
}
