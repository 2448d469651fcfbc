// Package registry holds the node catalog: builtin implementations,
// interface docs extracted from source scans, and synthetic entries
// contributed by tool-protocol discovery. It is the only process-wide
// mutable structure; access is guarded by one reader-writer lock.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/node"
)

var kebabName = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// reservedNames cannot be used as workflow names; they collide with the
// CLI's top-level verbs and the skill packaging convention
var reservedNames = []string{
	"skill",
	"run", "validate", "compile", "nodes", "discover", "serve", "help", "version",
}

// Entry is one registered node type
type Entry struct {
	Name      string
	Doc       string
	Iface     *Interface
	New       func() node.Node
	Version   string
	Synthetic bool

	// Test marks nodes excluded from listings unless INCLUDE_TEST_NODES
	// is set; the convention is a -test name suffix
	Test bool
}

// Summary is the listing view of an entry
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Synthetic   bool     `json:"synthetic,omitempty"`
}

// Registry is the concurrent-safe node catalog
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	includeTest bool

	// scanned tracks per-file mtimes so re-scans only reparse changes
	scanned map[string]time.Time
}

// New creates an empty registry
func New(includeTestNodes bool) *Registry {
	return &Registry{
		entries:     make(map[string]*Entry),
		includeTest: includeTestNodes,
		scanned:     make(map[string]time.Time),
	}
}

// Register adds a builtin node: a kebab-case name, the interface doc
// block, and a constructor. Registering an existing name is an error;
// synthetic entries use RegisterSynthetic and may be replaced.
func (r *Registry) Register(name, doc string, ctor func() node.Node) error {
	if !kebabName.MatchString(name) {
		return flowerr.New(flowerr.CategoryValidation, "node name %q is not kebab-case", name)
	}

	// Docs carried as scannable raw strings start with a "Node: <name>"
	// header line; it must agree with the registered name
	if rest, ok := strings.CutPrefix(doc, "Node: "); ok {
		header, body, _ := strings.Cut(rest, "\n")
		if strings.TrimSpace(header) != name {
			return flowerr.New(flowerr.CategoryValidation,
				"node %q registered with a doc header for %q", name, strings.TrimSpace(header))
		}
		doc = strings.TrimSpace(body)
	}

	iface, err := ParseInterface(doc)
	if err != nil {
		return fmt.Errorf("parse interface for node %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[name]; ok && existing.New != nil {
		return flowerr.New(flowerr.CategoryValidation, "node %q is already registered", name)
	}
	r.entries[name] = &Entry{
		Name:  name,
		Doc:   doc,
		Iface: iface,
		New:   ctor,
		Test:  strings.HasSuffix(name, "-test"),
	}
	return nil
}

// RegisterSynthetic adds or replaces a tool-backed entry. Tool discovery
// re-registers after config changes, so replacement is allowed here.
func (r *Registry) RegisterSynthetic(name string, iface *Interface, version string, ctor func() node.Node) error {
	if !kebabName.MatchString(name) {
		return flowerr.New(flowerr.CategoryValidation, "synthetic node name %q is not kebab-case", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[name]; ok && !existing.Synthetic {
		return flowerr.New(flowerr.CategoryValidation, "synthetic node %q collides with a builtin", name)
	}
	r.entries[name] = &Entry{
		Name:      name,
		Iface:     iface,
		New:       ctor,
		Version:   version,
		Synthetic: true,
	}
	return nil
}

// DropSynthetic removes synthetic entries for one server prefix; used
// when a tool server disappears from the config
func (r *Registry) DropSynthetic(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.Synthetic && strings.HasPrefix(name, prefix) {
			delete(r.entries, name)
		}
	}
}

// Lookup returns the entry for a node type. Unknown names return a
// validation error carrying the closest registered names.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok {
		return entry, nil
	}

	err := flowerr.New(flowerr.CategoryValidation, "unknown node type %q", name)
	if matches := r.closest(name, 3); len(matches) > 0 {
		err = err.WithSuggestion("did you mean %s?", strings.Join(matches, ", "))
	}
	return nil, err
}

// Has reports whether a node type is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Interface returns the interface for a node type, or nil
func (r *Registry) Interface(name string) *Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.Iface
	}
	return nil
}

// List returns sorted summaries matching the filter substring. Test
// nodes are excluded unless the registry was built with them included.
func (r *Registry) List(filter string) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Summary
	for name, e := range r.entries {
		if e.Test && !r.includeTest {
			continue
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		s := Summary{Name: name, Synthetic: e.Synthetic}
		if e.Iface != nil {
			s.Description = e.Iface.Description
			s.Actions = e.Iface.ActionNames()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info implements ir.Catalog for the validator
func (r *Registry) Info(name string) (ir.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return ir.NodeInfo{}, false
	}
	info := ir.NodeInfo{}
	if e.Iface != nil {
		info.WritePaths = e.Iface.WritePaths()
		info.RequiredParams = e.Iface.RequiredParams()
		for _, p := range e.Iface.Params {
			info.Params = append(info.Params, p.Name)
		}
		info.Actions = e.Iface.ActionNames()
	}
	return info, true
}

// Suggest implements ir.Catalog: closest registered type names
func (r *Registry) Suggest(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closest(name, 3)
}

// Names returns every registered name, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReservedNames returns the workflow names rejected at save time
func ReservedNames() []string {
	out := make([]string, len(reservedNames))
	copy(out, reservedNames)
	return out
}

// IsReserved reports whether a workflow name collides with a CLI verb or
// the skill convention
func IsReserved(name string) bool {
	for _, r := range reservedNames {
		if name == r {
			return true
		}
	}
	return false
}

// docBlock matches an interface doc carried as a raw string literal in a
// node source file: a "Node: <name>" header line followed by the doc body
// containing an "Interface:" section.
var docBlock = regexp.MustCompile("(?s)`Node: ([a-z][a-z0-9-]*)\n(.*?)`")

// Scan walks a source tree for node interface docs and registers or
// refreshes interface-only entries. Files are reparsed only when their
// mtime changed, so repeated scans are cheap and idempotent: scanning N
// times then looking up yields identical interfaces.
func (r *Registry) Scan(root string) error {
	var errs []string

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		base := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(base, ".go") || strings.HasSuffix(base, "_test.go") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		r.mu.RLock()
		seen, ok := r.scanned[path]
		r.mu.RUnlock()
		if ok && seen.Equal(info.ModTime()) {
			return nil
		}

		if err := r.scanFile(path); err != nil {
			errs = append(errs, err.Error())
			return nil
		}
		r.mu.Lock()
		r.scanned[path] = info.ModTime()
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}
	if len(errs) > 0 {
		return flowerr.New(flowerr.CategoryValidation, "scan found malformed interface docs: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Registry) scanFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, m := range docBlock.FindAllSubmatch(data, -1) {
		name := string(m[1])
		doc := strings.TrimSpace(string(m[2]))
		iface, err := ParseInterface(doc)
		if err != nil {
			return fmt.Errorf("%s: node %q: %w", path, name, err)
		}

		r.mu.Lock()
		if existing, ok := r.entries[name]; ok {
			existing.Doc = doc
			existing.Iface = iface
		} else {
			r.entries[name] = &Entry{
				Name:  name,
				Doc:   doc,
				Iface: iface,
				Test:  strings.HasSuffix(name, "-test"),
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// closest assumes the caller holds at least a read lock
func (r *Registry) closest(name string, limit int) []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	matches := fuzzy.Find(name, names)
	var out []string
	for i, m := range matches {
		if i >= limit {
			break
		}
		out = append(out, m.Str)
	}
	return out
}
