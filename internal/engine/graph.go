package engine

import (
	"github.com/ghostworker/flow/pkg/schema"
)

// Graph is the in-memory walker structure for a workflow's node graph.
// Built from a Workflow, used by the Runner to determine traversal order.
type Graph struct {
	Nodes    map[string]*schema.Node
	Outgoing map[string][]schema.Connection
	Incoming map[string]int
	Entry    string // empty only when the workflow has no nodes
}

// Branch handles recognized on connections leaving condition nodes.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// BuildGraph builds the walker structure and selects the entry node: the
// node typed start if exactly one exists, otherwise the unique node with no
// incoming connection. A workflow with no nodes yields an empty graph; any
// other ambiguity is a configuration error.
func BuildGraph(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.Node, len(wf.Nodes)),
		Outgoing: make(map[string][]schema.Connection, len(wf.Nodes)),
		Incoming: make(map[string]int, len(wf.Nodes)),
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		g.Nodes[node.ID] = node
	}

	for _, conn := range wf.Connections {
		if _, ok := g.Nodes[conn.SourceID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection source references unknown node: %s", conn.SourceID)
		}
		if _, ok := g.Nodes[conn.TargetID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection target references unknown node: %s", conn.TargetID)
		}
		g.Outgoing[conn.SourceID] = append(g.Outgoing[conn.SourceID], conn)
		g.Incoming[conn.TargetID]++
	}

	if len(g.Nodes) == 0 {
		return g, nil
	}

	entry, err := selectEntry(wf, g)
	if err != nil {
		return nil, err
	}
	g.Entry = entry
	return g, nil
}

func selectEntry(wf *schema.Workflow, g *Graph) (string, error) {
	var starts []string
	for _, node := range wf.Nodes {
		if node.Type == schema.NodeStart {
			starts = append(starts, node.ID)
		}
	}
	if len(starts) == 1 {
		return starts[0], nil
	}
	if len(starts) > 1 {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow has %d start nodes, want one", len(starts))
	}

	var roots []string
	for _, node := range wf.Nodes {
		if g.Incoming[node.ID] == 0 {
			roots = append(roots, node.ID)
		}
	}
	switch len(roots) {
	case 1:
		return roots[0], nil
	case 0:
		return "", schema.NewError(schema.ErrCodeValidation, "workflow has no entry node: every node has an incoming connection")
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow entry is ambiguous: %d nodes have no incoming connection", len(roots))
	}
}

// Successors returns the targets to visit after a node, in declaration
// order. For condition nodes matched selects the labeled branch; unlabeled
// connections are always followed. A labeled connection out of a
// non-condition node is never followed.
func (g *Graph) Successors(nodeID string, matched *bool) []string {
	conns := g.Outgoing[nodeID]
	if len(conns) == 0 {
		return nil
	}

	branch := ""
	if matched != nil {
		branch = HandleFalse
		if *matched {
			branch = HandleTrue
		}
	}

	var next []string
	for _, conn := range conns {
		if conn.SourceHandle == "" || conn.SourceHandle == branch {
			next = append(next, conn.TargetID)
		}
	}
	return next
}

// IsAcyclic runs Kahn's algorithm over the graph and reports whether every
// node is reachable in a topological order.
func (g *Graph) IsAcyclic() bool {
	indegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, conns := range g.Outgoing {
		for _, conn := range conns {
			indegree[conn.TargetID]++
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, conn := range g.Outgoing[id] {
			indegree[conn.TargetID]--
			if indegree[conn.TargetID] == 0 {
				queue = append(queue, conn.TargetID)
			}
		}
	}
	return visited == len(g.Nodes)
}
