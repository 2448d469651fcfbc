// Package ir defines the workflow intermediate representation: the
// validated, JSON-shaped document describing a directed graph of typed
// nodes with action-labeled edges. Documents round-trip between JSON and a
// Markdown-with-frontmatter form without loss.
package ir

import (
	"encoding/json"
	"fmt"
)

// DefaultAction is the edge action followed when a node's post phase
// returns an empty action
const DefaultAction = "default"

// Workflow is the immutable IR document
type Workflow struct {
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string               `json:"version,omitempty" yaml:"version,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeSpec           `json:"nodes" yaml:"-"`
	Edges       []Edge               `json:"edges" yaml:"-"`
	StartNode   string               `json:"start_node,omitempty" yaml:"start_node,omitempty"`
	Inputs      map[string]InputSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string             `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// NodeSpec describes one node instance in a workflow
type NodeSpec struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Params     map[string]any `json:"params,omitempty"`
	MaxRetries int            `json:"retries,omitempty"`
	WaitMS     int            `json:"wait_ms,omitempty"`
	TimeoutMS  int            `json:"timeout_ms,omitempty"`
	Batch      *BatchSpec     `json:"batch,omitempty"`
}

// BatchSpec declares fan-out over a collection
type BatchSpec struct {
	// Over is a template reference to the collection, e.g. "${inputs.items}"
	Over string `json:"over"`
	// Parallel bounds concurrent iterations; 0 or 1 means sequential
	Parallel int `json:"parallel,omitempty"`
}

// Edge connects two nodes; exactly one outgoing edge is followed per
// execution, chosen by the action returned by the source node's post phase
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Action string `json:"action,omitempty"`
}

// ActionOrDefault returns the edge action, defaulting to "default"
func (e Edge) ActionOrDefault() string {
	if e.Action == "" {
		return DefaultAction
	}
	return e.Action
}

// InputSpec declares a named workflow-level input
type InputSpec struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// ParseJSON decodes a workflow document from its JSON serialization
func ParseJSON(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow JSON: %w", err)
	}
	return &wf, nil
}

// EncodeJSON produces the canonical JSON serialization
func (w *Workflow) EncodeJSON() ([]byte, error) {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode workflow JSON: %w", err)
	}
	return data, nil
}

// Node returns the spec with the given id, or nil
func (w *Workflow) Node(id string) *NodeSpec {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Start returns the explicit start node, else the first node's id
func (w *Workflow) Start() string {
	if w.StartNode != "" {
		return w.StartNode
	}
	if len(w.Nodes) > 0 {
		return w.Nodes[0].ID
	}
	return ""
}

// Clone returns a deep copy produced by a JSON round-trip. The compiler and
// repair hook never mutate a caller's document.
func (w *Workflow) Clone() (*Workflow, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	return ParseJSON(data)
}
