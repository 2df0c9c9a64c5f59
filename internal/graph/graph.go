// Package graph defines the static computation graph produced by capture
// and the executor that re-runs it. The same graph value feeds both artifact
// writers, so everything an exporter needs (named inputs and outputs with
// dynamic dimension markers, ordered initializers, operator nodes) lives
// here.
package graph

import (
	"fmt"

	"github.com/castml/promptcast/internal/graph/operators"
	"github.com/castml/promptcast/internal/tensor"
)

// Dim is one dimension of a graph boundary value. A non-empty Param marks
// the dimension as symbolic; Value then records the size it had during
// capture.
type Dim struct {
	Value int
	Param string
}

// IsDynamic reports whether the dimension is symbolic.
func (d Dim) IsDynamic() bool {
	return d.Param != ""
}

// ValueInfo describes a graph input or output.
type ValueInfo struct {
	Name  string
	DType tensor.DataType
	Dims  []Dim
}

// Shape returns the concrete capture-time shape.
func (v ValueInfo) Shape() tensor.Shape {
	shape := make(tensor.Shape, len(v.Dims))
	for i, d := range v.Dims {
		shape[i] = d.Value
	}
	return shape
}

// Initializer is a named constant baked into the graph, in insertion order.
// Order is preserved so serialized artifacts round-trip byte for byte.
type Initializer struct {
	Name   string
	Tensor *tensor.RawTensor
}

// Graph is a captured computation: operator nodes over named values, with
// weights as initializers and declared boundary values.
type Graph struct {
	Name         string
	Nodes        []operators.Node
	Initializers []Initializer
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

// Initializer returns the named initializer tensor, or nil.
func (g *Graph) Initializer(name string) *tensor.RawTensor {
	for i := range g.Initializers {
		if g.Initializers[i].Name == name {
			return g.Initializers[i].Tensor
		}
	}
	return nil
}

// InputNames returns the graph input names in declaration order.
func (g *Graph) InputNames() []string {
	names := make([]string, len(g.Inputs))
	for i, in := range g.Inputs {
		names[i] = in.Name
	}
	return names
}

// OutputNames returns the graph output names in declaration order.
func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, out := range g.Outputs {
		names[i] = out.Name
	}
	return names
}

// Validate checks that every node input is produced by an earlier node, an
// initializer, or a graph input, and that every declared output is produced.
func (g *Graph) Validate() error {
	available := make(map[string]bool)
	for _, in := range g.Inputs {
		available[in.Name] = true
	}
	for i := range g.Initializers {
		available[g.Initializers[i].Name] = true
	}

	for i := range g.Nodes {
		node := &g.Nodes[i]
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if !available[input] {
				return fmt.Errorf("node %s (%s): input %q is not produced by any predecessor", node.Name, node.OpType, input)
			}
		}
		for _, output := range node.Outputs {
			available[output] = true
		}
	}

	for _, out := range g.Outputs {
		if !available[out.Name] {
			return fmt.Errorf("output %q is not produced by any node", out.Name)
		}
	}
	return nil
}

// SortNodes reorders nodes into dependency order. Captured graphs are
// already ordered; deserialized ones may not be.
func (g *Graph) SortNodes() {
	g.Nodes = topologicalSort(g.Nodes)
}

func topologicalSort(nodes []operators.Node) []operators.Node {
	outputToNode := make(map[string]int)
	for i := range nodes {
		for _, output := range nodes[i].Outputs {
			outputToNode[output] = i
		}
	}

	visited := make([]bool, len(nodes))
	result := make([]operators.Node, 0, len(nodes))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true

		for _, input := range nodes[i].Inputs {
			if depIdx, ok := outputToNode[input]; ok {
				visit(depIdx)
			}
		}

		result = append(result, nodes[i])
	}

	for i := range nodes {
		visit(i)
	}

	return result
}
