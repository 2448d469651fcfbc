package ir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/template"
)

// workflowSchema is the structural contract of a workflow document.
// Semantic rules (id uniqueness, edge targets, reachability) live in
// Validate; the schema only pins shapes and required fields.
const workflowSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "name": {"type": "string"},
    "version": {"type": "string"},
    "description": {"type": "string"},
    "start_node": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "params": {"type": "object"},
          "retries": {"type": "integer", "minimum": 0},
          "wait_ms": {"type": "integer", "minimum": 0},
          "timeout_ms": {"type": "integer", "minimum": 0},
          "batch": {
            "type": "object",
            "required": ["over"],
            "properties": {
              "over": {"type": "string"},
              "parallel": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "action": {"type": "string"}
        }
      }
    },
    "inputs": {"type": "object"},
    "outputs": {"type": "array", "items": {"type": "string"}}
  }
}`

// NodeInfo is the catalog's view of one node type, enough for
// structural validation without constructing nodes
type NodeInfo struct {
	WritePaths     []string
	RequiredParams []string
	Params         []string
	Actions        []string
}

// Catalog is the registry surface the validator needs
type Catalog interface {
	Has(name string) bool
	Info(name string) (NodeInfo, bool)
	Suggest(name string) []string
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchema))
	if err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow.schema.json", doc); err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	s, err := c.Compile("workflow.schema.json")
	if err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	return s
}

// ValidateDocument checks a raw JSON document against the structural
// schema and decodes it. Semantic validation requires a catalog and runs
// separately via Validate.
func ValidateDocument(data []byte) (*Workflow, *flowerr.List) {
	errs := &flowerr.List{}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		errs.Append(flowerr.Wrap(flowerr.CategoryValidation, err, "workflow document is not valid JSON"))
		return nil, errs
	}
	if err := compiledSchema.Validate(doc); err != nil {
		errs.Append(flowerr.Wrap(flowerr.CategoryValidation, err, "workflow document fails structural validation"))
		return nil, errs
	}

	wf, err := ParseJSON(data)
	if err != nil {
		errs.Append(flowerr.AsError(err))
		return nil, errs
	}
	return wf, nil
}

// Validate runs every semantic check and reports all failures at once, in
// a stable order: workflow-level, then nodes in document order (params in
// sorted key order), then edges in document order, then graph shape.
// Callers fix everything in one pass.
func Validate(wf *Workflow, cat Catalog) *flowerr.List {
	errs := &flowerr.List{}
	v := &validator{wf: wf, cat: cat, errs: errs}

	v.checkWorkflow()
	v.checkNodes()
	v.checkEdges()
	v.checkTemplates()
	v.checkGraph()
	v.checkOrder()

	return errs
}

type validator struct {
	wf   *Workflow
	cat  Catalog
	errs *flowerr.List

	ids     map[string]bool
	reached map[string]bool
	cyclic  bool
}

func (v *validator) add(format string, args ...any) *flowerr.Error {
	err := flowerr.New(flowerr.CategoryValidation, format, args...)
	v.errs.Append(err)
	return err
}

func (v *validator) checkWorkflow() {
	if len(v.wf.Nodes) == 0 {
		v.add("workflow has no nodes")
	}
	v.ids = make(map[string]bool, len(v.wf.Nodes))
	for _, n := range v.wf.Nodes {
		if v.ids[n.ID] {
			v.add("duplicate node id %q", n.ID)
			continue
		}
		v.ids[n.ID] = true
	}
	if v.wf.StartNode != "" && !v.ids[v.wf.StartNode] {
		v.add("start_node %q is not a node in this workflow", v.wf.StartNode)
	}
}

func (v *validator) checkNodes() {
	for i := range v.wf.Nodes {
		n := &v.wf.Nodes[i]

		info, known := v.cat.Info(n.Type)
		if !known {
			err := v.add("node %q has unknown type %q", n.ID, n.Type).WithNode(n.ID)
			if matches := v.cat.Suggest(n.Type); len(matches) > 0 {
				err.WithSuggestion("did you mean %s?", strings.Join(matches, ", "))
			}
			continue
		}

		for _, required := range info.RequiredParams {
			if _, ok := n.Params[required]; !ok {
				v.add("node %q (type %s) is missing required param %q", n.ID, n.Type, required).
					WithNode(n.ID).
					WithFields(info.Params)
			}
		}

		if n.Batch != nil && n.Batch.Over == "" {
			v.add("node %q declares batch without batch.over", n.ID).WithNode(n.ID)
		}
		if n.Batch != nil && n.Batch.Over != "" && !template.HasRef(n.Batch.Over) {
			v.add("node %q batch.over %q is not a template reference", n.ID, n.Batch.Over).
				WithNode(n.ID).
				WithSuggestion("point batch.over at a list, e.g. ${inputs.items}")
		}
	}
}

func (v *validator) checkEdges() {
	seen := map[string]string{}
	for _, e := range v.wf.Edges {
		if !v.ids[e.From] {
			v.add("edge references unknown node %q", e.From)
		}
		if !v.ids[e.To] {
			v.add("edge references unknown node %q", e.To)
		}
		key := e.From + "\x00" + e.ActionOrDefault()
		if prev, dup := seen[key]; dup {
			v.add("duplicate edge: node %q already routes action %q to %q", e.From, e.ActionOrDefault(), prev)
			continue
		}
		seen[key] = e.To
	}
}

// checkTemplates validates every ${...} reference in node params against
// the write contracts of upstream nodes and the declared workflow inputs
func (v *validator) checkTemplates() {
	for i := range v.wf.Nodes {
		n := &v.wf.Nodes[i]
		for _, ref := range collectRefs(n.Params) {
			v.checkRef(n, ref)
		}
		if n.Batch != nil {
			for _, ref := range template.Refs(n.Batch.Over) {
				v.checkRef(n, ref)
			}
		}
	}
}

func (v *validator) checkRef(n *NodeSpec, ref template.Ref) {
	segs, err := template.ParsePath(ref.Path)
	if err != nil || len(segs) == 0 {
		v.add("node %q has malformed reference %s", n.ID, ref.Token).
			WithNode(n.ID).
			WithSuggestion("use the form ${node_id.key} or ${node_id.key[0].sub}")
		return
	}
	head := segs[0].Key

	switch head {
	case "inputs":
		v.checkInputRef(n, ref, segs)
		return
	case "item":
		if n.Batch == nil {
			v.add("node %q references ${item...} but declares no batch", n.ID).
				WithNode(n.ID).
				WithSuggestion("add a batch block or reference a concrete node output")
		}
		return
	}

	if !v.ids[head] {
		// A bare ${name} is a workflow-input lookup: inputs are optional
		// params, and a missing one resolves empty at runtime
		if len(segs) == 1 {
			v.checkBareInputRef(n, ref, head)
			return
		}
		err := v.add("node %q references unknown node %q in %s", n.ID, head, ref.Token).WithNode(n.ID)
		if matches := closestStrings(head, v.nodeIDs()); len(matches) > 0 {
			err.WithSuggestion("did you mean %s?", strings.Join(matches, ", "))
		}
		return
	}

	v.checkWritePath(n, ref, segs)
}

// checkBareInputRef holds bare references to the same declaration rule
// as ${inputs.name}: with no inputs block any name passes
func (v *validator) checkBareInputRef(n *NodeSpec, ref template.Ref, name string) {
	if len(v.wf.Inputs) == 0 {
		return
	}
	if _, ok := v.wf.Inputs[name]; ok {
		return
	}
	declared := make([]string, 0, len(v.wf.Inputs))
	for k := range v.wf.Inputs {
		declared = append(declared, k)
	}
	sort.Strings(declared)
	err := v.add("node %q references undeclared input %q in %s", n.ID, name, ref.Token).
		WithNode(n.ID).
		WithFields(declared)
	if matches := closestStrings(name, declared); len(matches) > 0 {
		err.WithSuggestion("did you mean %s?", strings.Join(matches, ", "))
	}
}

func (v *validator) checkInputRef(n *NodeSpec, ref template.Ref, segs []template.Segment) {
	// Without a declared inputs block any input name passes
	if len(v.wf.Inputs) == 0 || len(segs) < 2 {
		return
	}
	name := segs[1].Key
	if _, ok := v.wf.Inputs[name]; ok {
		return
	}
	declared := make([]string, 0, len(v.wf.Inputs))
	for k := range v.wf.Inputs {
		declared = append(declared, k)
	}
	sort.Strings(declared)
	err := v.add("node %q references undeclared input %q in %s", n.ID, name, ref.Token).
		WithNode(n.ID).
		WithFields(declared)
	if matches := closestStrings(name, declared); len(matches) > 0 {
		err.WithSuggestion("did you mean %s?", strings.Join(matches, ", "))
	}
}

// checkWritePath matches the reference's key chain against the target
// node's declared write paths. A chain is accepted when it equals a
// declared path, extends one (the interface bottoms out at dict/list), or
// is a proper prefix of one.
func (v *validator) checkWritePath(n *NodeSpec, ref template.Ref, segs []template.Segment) {
	target := segs[0].Key
	spec := v.wf.Node(target)
	if spec == nil {
		return
	}
	info, known := v.cat.Info(spec.Type)
	if !known || len(info.WritePaths) == 0 {
		// Unknown write contracts resolve at runtime only
		return
	}
	if len(segs) < 2 {
		return
	}

	chain := make([]string, 0, len(segs)-1)
	for _, s := range segs[1:] {
		chain = append(chain, s.Key)
	}
	want := strings.Join(chain, ".")

	for _, p := range info.WritePaths {
		if want == p || strings.HasPrefix(want, p+".") || strings.HasPrefix(p, want+".") {
			return
		}
	}

	err := v.add("node %q references %s, but node %q (type %s) never writes %q",
		n.ID, ref.Token, target, spec.Type, want).
		WithNode(n.ID).
		WithFields(info.WritePaths)
	if matches := closestStrings(want, info.WritePaths); len(matches) > 0 {
		err.WithSuggestion("did you mean ${%s.%s}?", target, matches[0])
	}
}

// checkGraph verifies reachability from the start node and rejects
// cycles: the scheduler follows exactly one edge per step, so a cycle
// would never terminate
func (v *validator) checkGraph() {
	start := v.wf.Start()
	if start == "" || !v.ids[start] {
		return
	}

	adjacent := map[string][]string{}
	for _, e := range v.wf.Edges {
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range v.wf.Nodes {
		if !reached[n.ID] {
			v.add("node %q is unreachable from start node %q", n.ID, start).WithNode(n.ID)
		}
	}
	v.reached = reached

	v.checkCycles(adjacent)
}

func (v *validator) checkCycles(adjacent map[string][]string) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var reported bool

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		for _, next := range adjacent[id] {
			switch state[next] {
			case visiting:
				v.cyclic = true
				if !reported {
					if next == id {
						v.add("node %q routes to itself", id).WithNode(id)
					} else {
						v.add("workflow contains a cycle through %q and %q", id, next)
					}
					reported = true
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}

	for _, n := range v.wf.Nodes {
		if state[n.ID] == unvisited {
			if visit(n.ID) {
				return
			}
		}
	}
}

// checkOrder reduces template references to node-level dependency edges
// and requires each referenced node to execute before the referencing
// node on every path that reaches it. Forward references and reference
// cycles fail here instead of at runtime. Needs an acyclic routing
// graph, so it sits out when checkCycles already reported one.
func (v *validator) checkOrder() {
	if v.cyclic || v.reached == nil {
		return
	}
	before := v.guaranteedPredecessors()

	for i := range v.wf.Nodes {
		n := &v.wf.Nodes[i]
		if !v.reached[n.ID] {
			continue
		}
		refs := collectRefs(n.Params)
		if n.Batch != nil {
			refs = append(refs, template.Refs(n.Batch.Over)...)
		}
		for _, ref := range refs {
			segs, err := template.ParsePath(ref.Path)
			if err != nil || len(segs) < 2 {
				continue
			}
			head := segs[0].Key
			if !v.ids[head] || before[n.ID][head] {
				continue
			}

			if head == n.ID {
				v.add("node %q references its own output in %s", n.ID, ref.Token).
					WithNode(n.ID).
					WithSuggestion("a node's params resolve before it runs; read another node's output instead")
				continue
			}

			rest := make([]string, 0, len(segs)-1)
			for _, s := range segs[1:] {
				rest = append(rest, s.Key)
			}
			preceding := sortedKeys(before[n.ID])
			err2 := v.add("node %q references %s, but node %q has not executed on every path reaching %q",
				n.ID, ref.Token, head, n.ID).
				WithNode(n.ID).
				WithFields(preceding)
			if matches := closestStrings(head, preceding); len(matches) > 0 {
				err2.WithSuggestion("did you mean ${%s.%s}?", matches[0], strings.Join(rest, "."))
			} else {
				err2.WithSuggestion("add an edge so %q runs before %q, or drop the reference", head, n.ID)
			}
		}
	}
}

// guaranteedPredecessors computes, per reachable node, the set of nodes
// that appear on every path from the start. Nodes are processed in a
// topological order of the reachable subgraph; each node's set is the
// intersection over its predecessors' sets plus the predecessors
// themselves.
func (v *validator) guaranteedPredecessors() map[string]map[string]bool {
	preds := map[string][]string{}
	indegree := map[string]int{}
	adjacent := map[string][]string{}
	for _, e := range v.wf.Edges {
		if !v.reached[e.From] || !v.reached[e.To] {
			continue
		}
		preds[e.To] = append(preds[e.To], e.From)
		indegree[e.To]++
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	var order []string
	var queue []string
	for id := range v.reached {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, next := range adjacent[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	before := map[string]map[string]bool{}
	for _, id := range order {
		set := map[string]bool{}
		for i, p := range preds[id] {
			through := map[string]bool{p: true}
			for b := range before[p] {
				through[b] = true
			}
			if i == 0 {
				set = through
				continue
			}
			for b := range set {
				if !through[b] {
					delete(set, b)
				}
			}
		}
		before[id] = set
	}
	return before
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (v *validator) nodeIDs() []string {
	ids := make([]string, 0, len(v.ids))
	for id := range v.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// collectRefs walks a params tree in sorted key order so validation
// errors come out in a stable order
func collectRefs(params map[string]any) []template.Ref {
	var out []template.Ref
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			out = append(out, template.Refs(val)...)
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(params)
	return out
}

func closestStrings(target string, candidates []string) []string {
	matches := fuzzy.Find(target, candidates)
	var out []string
	for i, m := range matches {
		if i >= 3 {
			break
		}
		out = append(out, m.Str)
	}
	return out
}
