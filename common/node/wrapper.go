package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/itercache"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/store"
	"github.com/lyzr/flowrunner/common/template"
	"github.com/lyzr/flowrunner/common/trace"
)

// Runner is one fully wrapped node: the scheduler calls Run with the
// shared store and routes on the returned action.
type Runner interface {
	Run(ctx context.Context, shared *store.Store) (string, error)
}

// ChainConfig assembles the wrapper chain for one graph node. Layers
// compose outside-in: instrumentation, iteration cache, batch fan-out,
// namespacing, template resolution, then the raw node.
type ChainConfig struct {
	NodeID   string
	NodeType string
	Params   map[string]any

	// Reads holds the dotted paths the node's interface declares as
	// reads; concrete ones are captured into the cache envelope.
	Reads   []string
	Version string

	MaxRetries int
	Wait       time.Duration
	Timeout    time.Duration
	Batch      *ir.BatchSpec

	Engine *template.Engine
	Tracer *trace.Tracer
	Cache  *itercache.Cache
	Logger *logger.Logger

	// New constructs a fresh raw node per run; batch iterations each get
	// their own instance so nodes may keep per-run state.
	New func() Node
}

// BuildChain wires the wrapper layers around a node constructor
func BuildChain(cfg ChainConfig) (Runner, error) {
	if cfg.New == nil {
		return nil, flowerr.New(flowerr.CategoryInternal, "node %q has no constructor", cfg.NodeID)
	}
	if cfg.Engine == nil {
		cfg.Engine = template.NewEngine(config.ResolutionStrict)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	var r Runner
	if cfg.Batch != nil {
		r = &batchRunner{cfg: cfg}
	} else {
		r = &coreRunner{cfg: cfg}
	}
	if cfg.Cache != nil {
		r = &cachedRunner{cfg: cfg, next: r}
	}
	return &instrumentedRunner{cfg: cfg, next: r}, nil
}

// coreRunner is the innermost pair of layers: template resolution over
// the whole-store view, then the namespaced lifecycle run.
type coreRunner struct {
	cfg ChainConfig
}

func (r *coreRunner) Run(ctx context.Context, shared *store.Store) (string, error) {
	return runResolved(ctx, r.cfg, shared)
}

// runResolved resolves params, checks declared reads, and drives the
// three-phase lifecycle through a namespaced lens. Batch iterations call
// it once per item against their own store clone.
func runResolved(ctx context.Context, cfg ChainConfig, shared *store.Store) (string, error) {
	resolved, res, err := cfg.Engine.ResolveParams(cfg.Params, shared.View(), cfg.NodeID)
	if err != nil {
		return "", err
	}

	if rs := StateFromContext(ctx); rs != nil {
		rs.Resolutions = append(rs.Resolutions, res.Resolutions...)
		rs.Warnings = append(rs.Warnings, res.Warnings...)
	}
	for _, w := range res.Warnings {
		shared.AppendWarning(cfg.NodeID + ": " + w)
	}

	// Declared reads that don't resolve are a soft signal; the template
	// engine already enforced the refs the params actually use
	for _, path := range cfg.Reads {
		if !concretePath(path) {
			continue
		}
		if !template.PathExists(shared.View(), path) {
			shared.AppendWarning(fmt.Sprintf("%s: declared read %q not present in shared store", cfg.NodeID, path))
		}
	}

	n := cfg.New()
	if ps, ok := n.(ParamSetter); ok {
		ps.SetParams(resolved)
	}

	lens := store.NewNamespaced(shared, cfg.NodeID)
	return RunLifecycle(ctx, n, lens, Options{
		NodeID:     cfg.NodeID,
		MaxRetries: cfg.MaxRetries,
		Wait:       cfg.Wait,
		Timeout:    cfg.Timeout,
		Logger:     cfg.Logger,
	})
}

// concretePath reports whether a declared read path is checkable:
// interface grammar placeholders like <name> are not.
func concretePath(path string) bool {
	for _, r := range path {
		if r == '<' || r == '>' || r == '*' {
			return false
		}
	}
	return path != ""
}

// batchRunner fans the node out over a resolved list. Each item runs
// against a shallow store clone with the item injected at the root and a
// fresh namespace; per-item namespaces are collected, in input order,
// into a list under the node's id on the outer store.
type batchRunner struct {
	cfg ChainConfig
}

func (r *batchRunner) Run(ctx context.Context, shared *store.Store) (string, error) {
	cfg := r.cfg

	over, _, err := cfg.Engine.ResolveString(cfg.Batch.Over, shared.View(), cfg.NodeID)
	if err != nil {
		return "", err
	}
	items, ok := over.([]any)
	if !ok {
		return "", flowerr.New(flowerr.CategoryValidation,
			"batch.over for node %q resolved to %T, want a list", cfg.NodeID, over).
			WithNode(cfg.NodeID).
			WithSuggestion("point batch.over at a list value, e.g. ${fetch.results}")
	}

	if len(items) == 0 {
		shared.SetRoot(cfg.NodeID, []any{})
		return ir.DefaultAction, nil
	}

	results := make([]any, len(items))
	actions := make([]string, len(items))
	errs := make([]error, len(items))

	parallel := cfg.Batch.Parallel
	if parallel < 1 {
		parallel = 1
	}
	if parallel > len(items) {
		parallel = len(items)
	}

	var mu sync.Mutex
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	outerRS := StateFromContext(ctx)

	for i, item := range items {
		if ctx.Err() != nil {
			errs[i] = flowerr.New(flowerr.CategoryCancelled, "execution cancelled").WithNode(cfg.NodeID)
			break
		}
		// Sequential mode stops at the first failure; parallel mode lets
		// in-flight iterations finish
		if parallel == 1 && firstError(errs) != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			clone := shared.ShallowClone()
			clone.SetRoot(store.KeyItem, item)
			clone.SetNamespace(cfg.NodeID, map[string]any{})
			baseWarnings := len(clone.Warnings())

			rs := &RunState{}
			ictx := WithRunState(ctx, rs)
			start := time.Now()
			before := clone.Snapshot()

			action, err := runResolved(ictx, cfg, clone)

			after := clone.Snapshot()
			results[i] = clone.NamespaceSnapshot(cfg.NodeID)
			actions[i] = action
			errs[i] = err

			mu.Lock()
			for _, w := range clone.Warnings()[baseWarnings:] {
				shared.AppendWarning(w)
			}
			if outerRS != nil {
				outerRS.Resolutions = append(outerRS.Resolutions, rs.Resolutions...)
				outerRS.Warnings = append(outerRS.Warnings, rs.Warnings...)
				outerRS.LLMCalls = append(outerRS.LLMCalls, rs.LLMCalls...)
				if rs.Stderr != "" {
					outerRS.Stderr = rs.Stderr
				}
			}
			mu.Unlock()

			if cfg.Tracer != nil {
				ev := trace.NodeEvent{
					NodeID:              fmt.Sprintf("%s#%d", cfg.NodeID, i),
					NodeType:            cfg.NodeType,
					DurationMS:          time.Since(start).Milliseconds(),
					Success:             err == nil,
					SharedBefore:        before,
					SharedAfter:         after,
					Mutations:           trace.DiffSnapshots(before, after),
					TemplateResolutions: rs.Resolutions,
					Stderr:              rs.Stderr,
				}
				if err != nil {
					ev.Error = flowerr.AsError(err)
					ev.Cancelled = ev.Error.Category == flowerr.CategoryCancelled
				}
				if len(rs.LLMCalls) > 0 {
					ev.LLMCall = true
					ev.LLMPrompt = rs.LLMCalls[0].Prompt
					ev.LLMResponse = rs.LLMCalls[0].Response
				}
				mu.Lock()
				cfg.Tracer.RecordNode(ev)
				mu.Unlock()
			}
		}(i, item)

		if parallel == 1 {
			wg.Wait()
		}
	}
	wg.Wait()

	shared.SetRoot(cfg.NodeID, results)

	if err := firstError(errs); err != nil {
		return "", err
	}

	// Routing follows the final iteration; mixed actions across a batch
	// are unusual and the trace shows each one
	action := actions[len(actions)-1]
	if action == "" {
		action = ir.DefaultAction
	}
	return action, nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// cachedRunner replays prior node outcomes keyed by the input envelope:
// node type, resolved params, declared reads, and node version. A hit
// restores the namespace delta and the action without running the node.
type cachedRunner struct {
	cfg  ChainConfig
	next Runner
}

func (r *cachedRunner) Run(ctx context.Context, shared *store.Store) (string, error) {
	cfg := r.cfg

	env, ok := r.envelope(shared)
	if !ok {
		return r.next.Run(ctx, shared)
	}

	if entry, hit := cfg.Cache.Get(ctx, env); hit {
		shared.SetRoot(cfg.NodeID, entry.Delta)
		if rs := StateFromContext(ctx); rs != nil {
			rs.CacheHit = true
		}
		action := entry.Action
		if action == "" {
			action = ir.DefaultAction
		}
		return action, nil
	}

	action, err := r.next.Run(ctx, shared)
	if err != nil {
		return action, err
	}

	if delta, found := shared.Root(cfg.NodeID); found {
		if copied, cerr := deepCopyValue(delta); cerr == nil {
			cfg.Cache.Put(ctx, env, &itercache.Entry{Delta: copied, Action: action})
		}
	}
	return action, nil
}

// envelope computes the cache key material. Params resolve permissively
// here: a reference the strict engine would reject simply keys as null,
// and the real resolution error surfaces when the node actually runs.
func (r *cachedRunner) envelope(shared *store.Store) (itercache.Envelope, bool) {
	cfg := r.cfg
	permissive := template.NewEngine(config.ResolutionPermissive)
	resolved, _, err := permissive.ResolveParams(cfg.Params, shared.View(), cfg.NodeID)
	if err != nil {
		return itercache.Envelope{}, false
	}

	inputs := map[string]any{}
	for _, path := range cfg.Reads {
		if !concretePath(path) {
			continue
		}
		if v, found := template.Lookup(shared.View(), path); found {
			inputs[path] = v
		}
	}

	return itercache.Envelope{
		NodeType:       cfg.NodeType,
		ResolvedParams: resolved,
		Inputs:         inputs,
		Version:        cfg.Version,
	}, true
}

func deepCopyValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// instrumentedRunner is the outermost layer: it owns the run state,
// snapshots the store around the run, and emits the node event.
type instrumentedRunner struct {
	cfg  ChainConfig
	next Runner
}

func (r *instrumentedRunner) Run(ctx context.Context, shared *store.Store) (string, error) {
	cfg := r.cfg

	rs := &RunState{}
	ctx = WithRunState(ctx, rs)

	before := shared.Snapshot()
	rm := trace.CaptureStart()
	start := time.Now()

	action, err := r.next.Run(ctx, shared)

	rm.Finalize()
	after := shared.Snapshot()

	if cfg.Tracer != nil {
		ev := trace.NodeEvent{
			NodeID:              cfg.NodeID,
			NodeType:            cfg.NodeType,
			DurationMS:          time.Since(start).Milliseconds(),
			Success:             err == nil,
			SharedBefore:        before,
			SharedAfter:         after,
			Mutations:           trace.DiffSnapshots(before, after),
			TemplateResolutions: rs.Resolutions,
			Stderr:              rs.Stderr,
			CacheHit:            rs.CacheHit,
			Runtime:             rm.ToMap(),
		}
		if err != nil {
			ev.Error = flowerr.AsError(err)
			ev.Cancelled = ev.Error.Category == flowerr.CategoryCancelled
		}
		if len(rs.LLMCalls) > 0 {
			ev.LLMCall = true
			ev.LLMPrompt = rs.LLMCalls[0].Prompt
			ev.LLMResponse = rs.LLMCalls[0].Response
		}
		cfg.Tracer.RecordNode(ev)
		for _, call := range rs.LLMCalls {
			cfg.Tracer.AddLLMUsage(call.Model, call.PromptTokens, call.OutputTokens)
		}
	}

	if err != nil {
		cfg.Logger.Error("node run failed",
			"node_id", cfg.NodeID,
			"node_type", cfg.NodeType,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
	} else {
		cfg.Logger.Debug("node run complete",
			"node_id", cfg.NodeID,
			"node_type", cfg.NodeType,
			"action", action,
			"cache_hit", rs.CacheHit,
			"duration_ms", time.Since(start).Milliseconds())
	}

	return action, err
}
