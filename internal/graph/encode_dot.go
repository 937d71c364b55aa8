package graph

import (
	"fmt"
	"io"
)

// dotBuilder wraps an io.Writer and writes a graph in DOT format
type dotBuilder struct {
	io.Writer
}

func (b *dotBuilder) init() error {
	if _, err := fmt.Fprintln(b, `digraph G {`); err != nil {
		return err
	}
	_, err := fmt.Fprintln(b, `node [fontname="Helvetica,Arial,sans-serif" shape=box]`)
	return err
}

func (b *dotBuilder) finish() error {
	_, err := fmt.Fprintln(b, "}")
	return err
}

func (b *dotBuilder) addNode(id int, label string) error {
	_, err := fmt.Fprintf(b, "n%d [label=%q]\n", id, label)
	return err
}

func (b *dotBuilder) addEdge(from, to int) error {
	_, err := fmt.Fprintf(b, "n%d -> n%d\n", from, to)
	return err
}

// EncodeDOT writes the graph in DOT format so it can be rendered with graphviz. Vertices and edges are emitted in
// sorted order. If label is nil, the vertex id is used as the label
func EncodeDOT[V Vertex](g *Graph[V], w io.Writer, label func(V) string) error {
	if label == nil {
		label = func(v V) string { return v.GetId() }
	}
	builder := &dotBuilder{w}
	if err := builder.init(); err != nil {
		return err
	}

	vertexIds := g.sortedVertexIds()
	nodeIdsByVertex := make(map[string]int, len(vertexIds))
	for i, id := range vertexIds {
		if err := builder.addNode(i, label(g.verticesById[id])); err != nil {
			return fmt.Errorf("addNode(%d, %s): %w", i, id, err)
		}
		nodeIdsByVertex[id] = i
	}

	for _, source := range vertexIds {
		for _, target := range g.Targets(source) {
			if err := builder.addEdge(nodeIdsByVertex[source], nodeIdsByVertex[target]); err != nil {
				return fmt.Errorf("addEdge(%d, %d): %w", nodeIdsByVertex[source], nodeIdsByVertex[target], err)
			}
		}
	}

	return builder.finish()
}
