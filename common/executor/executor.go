// Package executor runs compiled workflow graphs: a sequential scheduler
// advancing one node at a time along action edges, with checkpointing,
// deadline and cancellation handling, tri-state final status, and an
// opt-in repair hook for agent-driven self-correction.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowrunner/common/compiler"
	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/itercache"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/store"
	"github.com/lyzr/flowrunner/common/template"
	"github.com/lyzr/flowrunner/common/trace"
)

// RepairFunc is the opt-in repair hook: given the failed document, the
// primary error, and the trace, it returns a corrected document or nil
// to decline. Non-fixable errors never reach the hook.
type RepairFunc func(wf *ir.Workflow, failure *flowerr.Error, tr *trace.Trace) (*ir.Workflow, error)

// ExecutionRecord is what the optional history recorder persists
type ExecutionRecord struct {
	ID         string
	Workflow   string
	Status     trace.Status
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMS int64
	Error      string
	TracePath  string
}

// Recorder persists execution outcomes; the pgx-backed implementation
// lives in the history package
type Recorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// Options configures one run
type Options struct {
	Inputs map[string]any

	// CacheEnabled turns on iteration-cache read-through for this run
	CacheEnabled bool

	Repair     RepairFunc
	AutoRepair bool

	// Deadline overrides the configured workflow deadline when non-zero
	Deadline time.Duration
}

// Result is the outcome of one execution
type Result struct {
	ExecutionID string
	Status      trace.Status
	Trace       *trace.Trace
	TracePath   string
	Store       *store.Store
	Outputs     map[string]any
	Err         *flowerr.Error
	Repaired    bool
}

// Executor runs workflows against one compiler and configuration
type Executor struct {
	compiler   *compiler.Compiler
	cfg        *config.Config
	log        *logger.Logger
	cacheStore itercache.Store
	recorder   Recorder
}

// New creates an executor. cacheStore and recorder may be nil.
func New(c *compiler.Compiler, cfg *config.Config, cacheStore itercache.Store, recorder Recorder, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{compiler: c, cfg: cfg, log: log, cacheStore: cacheStore, recorder: recorder}
}

// Execute runs a workflow document. On failure with a fixable error and
// AutoRepair on, the repair hook gets exactly one attempt to produce a
// corrected document, which is recompiled and re-run once.
func (e *Executor) Execute(ctx context.Context, wf *ir.Workflow, opts Options) *Result {
	res := e.runOnce(ctx, wf, opts)
	if res.Status != trace.StatusFailed || opts.Repair == nil || !opts.AutoRepair {
		return res
	}
	if res.Err == nil || !res.Err.Fixable {
		return res
	}

	repaired, err := opts.Repair(wf, res.Err, res.Trace)
	if err != nil {
		e.log.Warn("repair hook failed", "workflow", wf.Name, "error", err)
		return res
	}
	if repaired == nil {
		return res
	}

	e.log.Info("repair hook produced a corrected workflow, retrying",
		"workflow", wf.Name,
		"failed_execution", res.ExecutionID)
	retry := e.runOnce(ctx, repaired, opts)
	retry.Repaired = true
	return retry
}

func (e *Executor) runOnce(ctx context.Context, wf *ir.Workflow, opts Options) *Result {
	execID := uuid.NewString()
	log := e.log.WithExecutionID(execID).WithWorkflow(wf.Name)
	startedAt := time.Now().UTC()

	tracer := trace.New(e.cfg.Trace, execID, wf.Name, log)
	res := &Result{ExecutionID: execID}

	var cache *itercache.Cache
	if opts.CacheEnabled && e.cacheStore != nil {
		cache = itercache.New(e.cacheStore, wf.Name, log)
	}

	graph, err := e.compiler.Compile(wf, compiler.Options{Tracer: tracer, Cache: cache})
	if err != nil {
		res.Err = primaryError(err)
		res.Status = trace.StatusFailed
		res.Trace = tracer.Finish(trace.StatusFailed, res.Err, false)
		e.finish(ctx, res, tracer, startedAt, wf.Name)
		return res
	}

	shared, serr := seedStore(graph.Workflow, opts.Inputs)
	if serr != nil {
		res.Err = serr
		res.Status = trace.StatusFailed
		res.Trace = tracer.Finish(trace.StatusFailed, serr, false)
		e.finish(ctx, res, tracer, startedAt, wf.Name)
		return res
	}
	res.Store = shared

	deadline := opts.Deadline
	if deadline == 0 {
		deadline = e.cfg.Execution.WorkflowDeadline
	}
	runCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	runErr := e.walk(runCtx, graph, shared, tracer, log)

	checkpoint, _ := shared.Root(store.KeyExecution)
	if cp, ok := checkpoint.(map[string]any); ok {
		tracer.SetCheckpoint(cp)
	}
	for _, w := range shared.Warnings() {
		tracer.AddWarning(w)
	}

	cancelled := false
	if runErr != nil {
		res.Err = flowerr.AsError(runErr)
		cancelled = res.Err.Category == flowerr.CategoryCancelled
		// A node may flag its failure as beyond agent repair through the
		// side-channel; the repair hook then never fires
		if _, nonRepairable := shared.Root(store.KeyNonRepairableError); nonRepairable {
			res.Err.Fixable = false
		}
	}

	res.Status = finalStatus(runErr, shared, tracer.Current())
	res.Trace = tracer.Finish(res.Status, res.Err, cancelled)
	res.Outputs = collectOutputs(graph.Workflow, shared)
	e.finish(ctx, res, tracer, startedAt, wf.Name)
	return res
}

// walk advances the current node along action edges until no edge
// matches the returned action
func (e *Executor) walk(ctx context.Context, g *compiler.Graph, shared *store.Store, tracer *trace.Tracer, log *logger.Logger) error {
	completed := []any{}
	actions := map[string]any{}

	current := g.Start
	// The validator rejects cycles, so the walk visits each node at most
	// once; the guard catches routing bugs rather than user documents
	for steps := 0; steps <= len(g.Runners); steps++ {
		runner, ok := g.Runners[current]
		if !ok {
			return flowerr.New(flowerr.CategoryInternal, "routing produced unknown node %q", current)
		}

		log.Info("running node", "node_id", current)
		action, err := runner.Run(ctx, shared)
		if err != nil {
			return err
		}

		completed = append(completed, current)
		actions[current] = action
		shared.SetRoot(store.KeyExecution, map[string]any{
			"completed": completed,
			"actions":   actions,
			"last_node": current,
		})

		next, routed := g.Next(current, action)
		if !routed {
			if action != ir.DefaultAction {
				shared.AppendWarning(current + ": action " + action + " has no outgoing edge, ending execution")
			}
			return nil
		}
		current = next
	}

	return flowerr.New(flowerr.CategoryInternal, "execution exceeded %d steps without terminating", len(g.Runners))
}

// finalStatus derives the tri-state outcome: failed on any unrecovered
// error, degraded when every node ran but warnings or stderr surfaced,
// success otherwise
func finalStatus(runErr error, shared *store.Store, tr *trace.Trace) trace.Status {
	if runErr != nil {
		return trace.StatusFailed
	}
	if len(shared.Warnings()) > 0 {
		return trace.StatusDegraded
	}
	for _, ev := range tr.Nodes {
		if ev.HasStderr {
			return trace.StatusDegraded
		}
	}
	return trace.StatusSuccess
}

func (e *Executor) finish(ctx context.Context, res *Result, tracer *trace.Tracer, startedAt time.Time, workflow string) {
	path, err := tracer.Write()
	if err != nil {
		e.log.Warn("trace write failed", "workflow", workflow, "error", err)
	}
	res.TracePath = path

	if e.recorder == nil {
		return
	}
	rec := ExecutionRecord{
		ID:         res.ExecutionID,
		Workflow:   workflow,
		Status:     res.Status,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		DurationMS: time.Since(startedAt).Milliseconds(),
		TracePath:  path,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := e.recorder.RecordExecution(ctx, rec); err != nil {
		e.log.Warn("execution history write failed", "execution_id", res.ExecutionID, "error", err)
	}
}

// seedStore builds the initial shared store: supplied inputs merged over
// declared defaults, with required inputs enforced
func seedStore(wf *ir.Workflow, supplied map[string]any) (*store.Store, *flowerr.Error) {
	inputs := make(map[string]any, len(supplied))
	for k, v := range supplied {
		inputs[k] = v
	}
	for name, spec := range wf.Inputs {
		if _, ok := inputs[name]; ok {
			continue
		}
		if spec.Default != nil {
			inputs[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, flowerr.New(flowerr.CategoryValidation, "required input %q was not supplied", name).
				WithSuggestion("pass --input %s=<value> or add a default to the inputs block", name)
		}
	}
	return store.NewWithInputs(inputs), nil
}

// collectOutputs extracts the declared output paths from the final store
func collectOutputs(wf *ir.Workflow, shared *store.Store) map[string]any {
	if len(wf.Outputs) == 0 || shared == nil {
		return nil
	}
	out := make(map[string]any, len(wf.Outputs))
	for _, path := range wf.Outputs {
		if v, ok := template.Lookup(shared.View(), path); ok {
			out[path] = v
		}
	}
	return out
}

func primaryError(err error) *flowerr.Error {
	if list, ok := err.(*flowerr.List); ok && list.Primary != nil {
		return list.Primary
	}
	return flowerr.AsError(err)
}
