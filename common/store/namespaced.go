package store

// Namespaced is the read-all / write-own lens handed to a node. Writes are
// routed to store[nodeID][key]; reads through Get stay inside the node's
// own namespace. Template resolution sees the whole store via View, so
// ${other_node.x} resolves without the writing node ever touching other
// namespaces directly.
type Namespaced struct {
	store  *Store
	nodeID string
}

// NewNamespaced creates the lens for one node
func NewNamespaced(s *Store, nodeID string) *Namespaced {
	return &Namespaced{store: s, nodeID: nodeID}
}

// NodeID returns the owning node id
func (n *Namespaced) NodeID() string { return n.nodeID }

// Set writes a key inside the node's namespace
func (n *Namespaced) Set(key string, value any) {
	n.store.Namespace(n.nodeID)[key] = value
}

// SetAll writes several keys inside the node's namespace
func (n *Namespaced) SetAll(values map[string]any) {
	ns := n.store.Namespace(n.nodeID)
	for k, v := range values {
		ns[k] = v
	}
}

// Get reads a key from the node's own namespace
func (n *Namespaced) Get(key string) (any, bool) {
	ns, ok := n.store.data[n.nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	v, exists := ns[key]
	return v, exists
}

// View returns the read-only union view over the whole store
func (n *Namespaced) View() map[string]any {
	return n.store.View()
}

// Input reads a workflow-level input by name
func (n *Namespaced) Input(name string) (any, bool) {
	inputs, ok := n.store.data[KeyInputs].(map[string]any)
	if !ok {
		return nil, false
	}
	v, exists := inputs[name]
	return v, exists
}

// Warn appends to the __warnings__ side-channel; this is the only
// cross-node write a node may perform
func (n *Namespaced) Warn(warning string) {
	n.store.AppendWarning(warning)
}

// Store exposes the underlying store to framework wrappers only
func (n *Namespaced) Store() *Store { return n.store }
