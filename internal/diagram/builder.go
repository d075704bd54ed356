package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/avelara/machina/internal/engine"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// Build constructs a Model from a WorkflowSpec and optional step states.
// It uses engine.ParseDAG for topology, so an invalid spec fails here the
// same way it fails at execution time. Step states, when given, become
// status overlays on the matching nodes.
func Build(spec *schema.WorkflowSpec, states []*store.StepState) (*Model, error) {
	dag, err := engine.ParseDAG(spec)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.StepID] = s
	}

	nodes := make([]*Node, 0, len(dag.Sorted)+2)
	nodes = append(nodes, &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart})

	for _, stepID := range dag.Sorted {
		step := dag.Steps[stepID]
		node := stepToNode(step)
		overlayStatus(node, stateMap[stepID])
		buildBranches(node, step)
		nodes = append(nodes, node)
	}

	nodes = append(nodes, &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd})

	title := spec.Name
	if title == "" {
		title = "Workflow"
	}

	return &Model{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

// stepToNode maps a StepDefinition to a diagram Node.
func stepToNode(step *schema.StepDefinition) *Node {
	return &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  kindToNodeKind(step.Kind),
	}
}

func kindToNodeKind(kind schema.StepKind) NodeKind {
	switch kind {
	case schema.StepKindCreateInstance:
		return NodeKindInstance
	case schema.StepKindExecuteCommand:
		return NodeKindCommand
	case schema.StepKindWait:
		return NodeKindWait
	case schema.StepKindDestroyInstance:
		return NodeKindTeardown
	case schema.StepKindConditional:
		return NodeKindCondition
	default:
		return NodeKindCommand
	}
}

// nodeLabel creates a human-readable label for a node. Commands show the
// program being run, the other kinds show their kind.
func nodeLabel(step *schema.StepDefinition) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	if step.Kind == schema.StepKindExecuteCommand {
		var cfg schema.ExecuteCommandConfig
		if json.Unmarshal(step.Config, &cfg) == nil && cfg.Command != "" {
			return fmt.Sprintf("%s\n(%s)", name, cfg.Command)
		}
	}
	return fmt.Sprintf("%s\n(%s)", name, step.Kind)
}

// overlayStatus applies runtime step state to a node.
func overlayStatus(node *Node, ss *store.StepState) {
	if ss == nil {
		return
	}
	errStr := ""
	if len(ss.Error) > 0 {
		errStr = string(ss.Error)
	}
	node.Status = &StatusOverlay{
		Status:     string(ss.Status),
		DurationMs: ss.DurationMs,
		Attempts:   ss.Attempts,
		Error:      errStr,
	}
}

// buildBranches unpacks conditional then/else arms into Branch children.
// Branch node IDs are qualified as parentID.then / parentID.else so they
// never collide with top-level step IDs.
func buildBranches(node *Node, step *schema.StepDefinition) {
	if step.Kind != schema.StepKindConditional || len(step.Config) == 0 {
		return
	}
	var cfg schema.ConditionalConfig
	if json.Unmarshal(step.Config, &cfg) != nil {
		return
	}
	if cfg.ThenStep != nil {
		node.Branches = append(node.Branches, branchNode("then", step.ID, cfg.ThenStep))
	}
	if cfg.ElseStep != nil {
		node.Branches = append(node.Branches, branchNode("else", step.ID, cfg.ElseStep))
	}
}

func branchNode(label, parentID string, sub *schema.StepDefinition) *Branch {
	return &Branch{
		Label: label,
		Node: &Node{
			ID:    fmt.Sprintf("%s.%s", parentID, label),
			Label: nodeLabel(sub),
			Kind:  kindToNodeKind(sub.Kind),
		},
	}
}

// buildEdges constructs the Edge list from DAG adjacency, adding virtual
// start/end edges so every diagram has a single source and sink.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge

	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: "__start__", To: root})
	}

	// Dependency edges point from dependency to dependent.
	for _, stepID := range dag.Sorted {
		for _, dep := range dag.Edges[stepID] {
			edges = append(edges, Edge{From: dep, To: stepID})
		}
	}

	for _, stepID := range dag.Sorted {
		if len(dag.Reverse[stepID]) == 0 {
			edges = append(edges, Edge{From: stepID, To: "__end__"})
		}
	}

	return edges
}

// buildLevels groups steps by longest-path depth from the roots and wraps
// them with virtual start/end levels. Steps in the same level have no
// ordering between them and render side by side.
func buildLevels(dag *engine.DAG) [][]string {
	depth := make(map[string]int, len(dag.Sorted))
	maxDepth := 0
	for _, stepID := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[stepID] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[stepID] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	byDepth := make([][]string, maxDepth+1)
	for _, stepID := range dag.Sorted {
		byDepth[depth[stepID]] = append(byDepth[depth[stepID]], stepID)
	}

	levels := make([][]string, 0, maxDepth+3)
	levels = append(levels, []string{"__start__"})
	levels = append(levels, byDepth...)
	levels = append(levels, []string{"__end__"})
	return levels
}
