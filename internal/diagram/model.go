// Package diagram renders workflow dependency graphs as ASCII art,
// Mermaid flowchart syntax, or PNG images, optionally overlaid with the
// runtime state of an execution.
package diagram

// NodeKind classifies a diagram node by its workflow step kind.
type NodeKind string

const (
	NodeKindInstance  NodeKind = "instance"
	NodeKindCommand   NodeKind = "command"
	NodeKindWait      NodeKind = "wait"
	NodeKindTeardown  NodeKind = "teardown"
	NodeKindCondition NodeKind = "condition"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Branches []*Branch // conditional then/else branches
}

// Branch holds the nested step of a conditional arm.
type Branch struct {
	Label string // "then" or "else"
	Node  *Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
