package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is returned when a traversal finds a path leading back to a vertex that is still being visited
var ErrCycle = errors.New("cycle detected")

type Vertex interface {
	GetId() string
}

type AdjacencyMatrix map[string]map[string]bool

// Graph is a directed graph. An edge source -> target reads "source must come before target"
type Graph[V Vertex] struct {
	verticesById map[string]V
	edges        AdjacencyMatrix
}

func NewGraph[V Vertex]() *Graph[V] {
	return &Graph[V]{
		verticesById: make(map[string]V),
		edges:        make(AdjacencyMatrix),
	}
}

// AddVertex adds a vertex to the graph.
// If the vertex already exists, it will override it and keep the edges
func (g *Graph[V]) AddVertex(v V) {
	g.verticesById[v.GetId()] = v
	if g.edges[v.GetId()] == nil {
		g.edges[v.GetId()] = make(map[string]bool)
	}
}

// AddEdge adds an edge to the graph. If the vertex doesn't exist, it will error
func (g *Graph[V]) AddEdge(sourceId, targetId string) error {
	if !g.HasVertexWithId(sourceId) {
		return fmt.Errorf("source %s does not exist", sourceId)
	}
	if !g.HasVertexWithId(targetId) {
		return fmt.Errorf("target %s does not exist", targetId)
	}
	g.edges[sourceId][targetId] = true

	return nil
}

func (g *Graph[V]) HasVertexWithId(id string) bool {
	_, hasVertex := g.verticesById[id]
	return hasVertex
}

// Targets returns the sorted ids of the vertices the given vertex has an edge to
func (g *Graph[V]) Targets(id string) []string {
	var targets []string
	for target, isAdjacent := range g.edges[id] {
		if isAdjacent {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)
	return targets
}

func (g *Graph[V]) sortedVertexIds() []string {
	ids := make([]string, 0, len(g.verticesById))
	for id := range g.verticesById {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindCycle returns the ids of a cycle in the graph, starting and ending with the same vertex, or nil if the graph is
// acyclic. The search is a depth first traversal that tracks the vertices on the current path, so the result is
// deterministic for a given graph
func (g *Graph[V]) FindCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inProgress
		path = append(path, id)
		for _, target := range g.Targets(id) {
			switch state[target] {
			case inProgress:
				start := 0
				for i, p := range path {
					if p == target {
						start = i
						break
					}
				}
				cycle := append([]string{}, path[start:]...)
				return append(cycle, target)
			case unvisited:
				if cycle := visit(target); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.sortedVertexIds() {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicallySort returns the vertices so that every edge source comes before its target. Among the vertices
// that are ready, the lowest id goes first, so the output is deterministic
func (g *Graph[V]) TopologicallySort() ([]V, error) {
	incomingEdgeCountByVertex := make(map[string]int, len(g.verticesById))
	for id := range g.verticesById {
		incomingEdgeCountByVertex[id] = 0
	}
	for _, adjacentEdgesMap := range g.edges {
		for target, isAdjacent := range adjacentEdgesMap {
			if isAdjacent {
				incomingEdgeCountByVertex[target]++
			}
		}
	}

	output := make([]V, 0, len(g.verticesById))
	for len(incomingEdgeCountByVertex) > 0 {
		next := ""
		for id, count := range incomingEdgeCountByVertex {
			if count == 0 && (next == "" || id < next) {
				next = id
			}
		}
		if next == "" {
			if cycle := g.FindCycle(); cycle != nil {
				return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
			}
			return nil, ErrCycle
		}

		output = append(output, g.verticesById[next])
		for target, isAdjacent := range g.edges[next] {
			if isAdjacent {
				incomingEdgeCountByVertex[target]--
			}
		}
		delete(incomingEdgeCountByVertex, next)
	}

	return output, nil
}
