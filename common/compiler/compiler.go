// Package compiler turns a validated workflow document into an
// executable graph: a routing table keyed by (node id, action) and one
// fully wrapped runner per node. Compilation is deterministic and
// performs no I/O; identical documents compile to identical graphs.
package compiler

import (
	"time"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/itercache"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/registry"
	"github.com/lyzr/flowrunner/common/template"
	"github.com/lyzr/flowrunner/common/trace"
)

// RouteKey addresses one outgoing edge
type RouteKey struct {
	From   string
	Action string
}

// Graph is the executable form of one workflow
type Graph struct {
	Workflow *ir.Workflow
	Start    string
	Routing  map[RouteKey]string
	Runners  map[string]node.Runner
}

// Next returns the node the given action routes to
func (g *Graph) Next(from, action string) (string, bool) {
	to, ok := g.Routing[RouteKey{From: from, Action: action}]
	return to, ok
}

// Compiler builds graphs against one registry and configuration
type Compiler struct {
	reg *registry.Registry
	cfg *config.Config
	log *logger.Logger
}

// New creates a compiler
func New(reg *registry.Registry, cfg *config.Config, log *logger.Logger) *Compiler {
	if log == nil {
		log = logger.Nop()
	}
	return &Compiler{reg: reg, cfg: cfg, log: log}
}

// Options carries the per-execution collaborators wired into each node's
// wrapper chain
type Options struct {
	Tracer *trace.Tracer
	Cache  *itercache.Cache
	Engine *template.Engine
}

// Compile validates the document and constructs the graph. Validation
// failures return the full error list so callers fix everything at once.
func (c *Compiler) Compile(wf *ir.Workflow, opts Options) (*Graph, error) {
	if errs := ir.Validate(wf, c.reg); !errs.Empty() {
		return nil, errs
	}

	// The graph owns its own copy; later repair passes must not mutate
	// the caller's document
	wf, err := wf.Clone()
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryInternal, err, "compile workflow %q", wf.Name)
	}

	engine := opts.Engine
	if engine == nil {
		engine = template.NewEngine(c.cfg.Template.ResolutionMode)
	}

	g := &Graph{
		Workflow: wf,
		Start:    wf.Start(),
		Routing:  make(map[RouteKey]string, len(wf.Edges)),
		Runners:  make(map[string]node.Runner, len(wf.Nodes)),
	}

	for _, e := range wf.Edges {
		key := RouteKey{From: e.From, Action: e.ActionOrDefault()}
		if existing, dup := g.Routing[key]; dup {
			return nil, flowerr.New(flowerr.CategoryValidation,
				"node %q routes action %q to both %q and %q", e.From, key.Action, existing, e.To)
		}
		g.Routing[key] = e.To
	}

	for i := range wf.Nodes {
		spec := &wf.Nodes[i]
		runner, err := c.buildRunner(spec, engine, opts)
		if err != nil {
			return nil, err
		}
		g.Runners[spec.ID] = runner
	}

	c.log.Debug("workflow compiled",
		"workflow", wf.Name,
		"nodes", len(wf.Nodes),
		"edges", len(wf.Edges),
		"start", g.Start)
	return g, nil
}

func (c *Compiler) buildRunner(spec *ir.NodeSpec, engine *template.Engine, opts Options) (node.Runner, error) {
	entry, err := c.reg.Lookup(spec.Type)
	if err != nil {
		return nil, flowerr.AsError(err).WithNode(spec.ID)
	}
	if entry.New == nil {
		return nil, flowerr.New(flowerr.CategoryValidation,
			"node type %q has an interface but no implementation", spec.Type).
			WithNode(spec.ID)
	}

	var reads []string
	if entry.Iface != nil {
		for _, r := range entry.Iface.Reads {
			reads = append(reads, r.Path)
		}
	}

	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = c.cfg.Execution.NodeTimeout
	}

	return node.BuildChain(node.ChainConfig{
		NodeID:     spec.ID,
		NodeType:   spec.Type,
		Params:     withParamDefaults(spec.Params, entry.Iface),
		Reads:      reads,
		Version:    entry.Version,
		MaxRetries: spec.MaxRetries,
		Wait:       time.Duration(spec.WaitMS) * time.Millisecond,
		Timeout:    timeout,
		Batch:      spec.Batch,
		Engine:     engine,
		Tracer:     opts.Tracer,
		Cache:      opts.Cache,
		Logger:     c.log,
		New:        entry.New,
	})
}

// withParamDefaults fills interface defaults for params the document
// omits, leaving supplied values untouched
func withParamDefaults(params map[string]any, iface *registry.Interface) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if iface == nil {
		return out
	}
	for _, p := range iface.Params {
		if !p.HasDef {
			continue
		}
		if _, supplied := out[p.Name]; !supplied {
			out[p.Name] = p.Default
		}
	}
	return out
}
