// Package store implements the shared state of one execution: a single
// hierarchical map indexed first by node id, then by key. Nodes write only
// inside their own namespace through the Namespaced lens; the template
// engine reads the whole map through a read-only union view.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Reserved root-level side-channel keys. These bypass namespacing and are
// the only cross-node signals.
const (
	KeyWarnings           = "__warnings__"
	KeyExecution          = "__execution__"
	KeyNonRepairableError = "__non_repairable_error__"

	// KeyInputs holds workflow-level inputs at the root
	KeyInputs = "inputs"

	// KeyItem holds the current element during batch fan-out
	KeyItem = "item"
)

// SideChannels lists every reserved root key
var SideChannels = []string{KeyWarnings, KeyExecution, KeyNonRepairableError}

// Store owns the shared map of one execution. It is not safe for
// concurrent mutation; the scheduler is sequential and batch fan-out
// operates on disjoint shallow copies.
type Store struct {
	data map[string]any
}

// New creates an empty store
func New() *Store {
	return &Store{data: make(map[string]any)}
}

// NewWithInputs creates a store seeded with workflow-level inputs
func NewWithInputs(inputs map[string]any) *Store {
	s := New()
	if inputs == nil {
		inputs = map[string]any{}
	}
	s.data[KeyInputs] = inputs
	return s
}

// View returns the underlying map as a read-only union view. Callers must
// not mutate it; templates and snapshots only read.
func (s *Store) View() map[string]any {
	return s.data
}

// Namespace returns the map under a node id, creating it on first write
func (s *Store) Namespace(nodeID string) map[string]any {
	ns, ok := s.data[nodeID].(map[string]any)
	if !ok {
		ns = make(map[string]any)
		s.data[nodeID] = ns
	}
	return ns
}

// NamespaceSnapshot returns a deep copy of a node's namespace, or nil if
// the node has not written anything
func (s *Store) NamespaceSnapshot(nodeID string) map[string]any {
	ns, ok := s.data[nodeID].(map[string]any)
	if !ok {
		return nil
	}
	copied, err := deepCopyMap(ns)
	if err != nil {
		return nil
	}
	return copied
}

// SetNamespace replaces a node's namespace wholesale (cache replay)
func (s *Store) SetNamespace(nodeID string, ns map[string]any) {
	s.data[nodeID] = ns
}

// Root reads a root-level value
func (s *Store) Root(key string) (any, bool) {
	v, ok := s.data[key]
	return v, ok
}

// SetRoot writes a root-level value. Reserved for the framework: workflow
// inputs, batch item injection, and side-channel keys.
func (s *Store) SetRoot(key string, value any) {
	s.data[key] = value
}

// AppendWarning appends to the __warnings__ side-channel
func (s *Store) AppendWarning(warning string) {
	existing, _ := s.data[KeyWarnings].([]any)
	s.data[KeyWarnings] = append(existing, warning)
}

// Warnings returns the accumulated warnings
func (s *Store) Warnings() []string {
	existing, _ := s.data[KeyWarnings].([]any)
	out := make([]string, 0, len(existing))
	for _, w := range existing {
		if str, ok := w.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// ShallowClone copies the top level of the map; interior values are shared
// by reference. Batch fan-out gives each iteration its own clone so item
// injection and namespace writes stay isolated.
func (s *Store) ShallowClone() *Store {
	clone := make(map[string]any, len(s.data))
	for k, v := range s.data {
		clone[k] = v
	}
	return &Store{data: clone}
}

// Snapshot returns a deep copy of the whole store for trace capture
func (s *Store) Snapshot() map[string]any {
	copied, err := deepCopyMap(s.data)
	if err != nil {
		return map[string]any{}
	}
	return copied
}

// NodeIDs returns the namespaced keys present in the store, sorted,
// excluding side-channels and root inputs
func (s *Store) NodeIDs() []string {
	var ids []string
	for k, v := range s.data {
		if k == KeyInputs || k == KeyItem || isSideChannel(k) {
			continue
		}
		if _, ok := v.(map[string]any); ok {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)
	return ids
}

func isSideChannel(key string) bool {
	for _, sc := range SideChannels {
		if key == sc {
			return true
		}
	}
	return false
}

// deepCopyMap copies through a JSON round-trip; store values are
// JSON-shaped by contract
func deepCopyMap(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	return out, nil
}
