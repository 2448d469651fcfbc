package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowrunner/common/compiler"
	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/registry"
	"github.com/lyzr/flowrunner/common/store"
	"github.com/lyzr/flowrunner/common/trace"
)

// stepNode exercises the executor: it copies its "value" param into the
// namespace and honors failure and warning params
type stepNode struct {
	node.Base
}

func (n *stepNode) Prep(ctx context.Context, shared *store.Namespaced) (any, error) {
	return nil, nil
}

func (n *stepNode) Exec(ctx context.Context, prep any) (any, error) {
	if n.BoolParam("fail", false) {
		err := flowerr.New(flowerr.CategoryHTTP, "simulated upstream failure")
		if n.BoolParam("fixable", false) {
			err = err.WithSuggestion("flip the fail param off")
		}
		return nil, err
	}
	return nil, nil
}

func (n *stepNode) Post(ctx context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	if v, ok := n.Param("value"); ok {
		shared.Set("out", v)
	}
	if w := n.StringParam("warn", ""); w != "" {
		shared.Warn(w)
	}
	if n.BoolParam("stderr", false) {
		node.RecordStderr(ctx, "something on stderr")
	}
	if n.BoolParam("non_repairable", false) {
		shared.Store().SetRoot(store.KeyNonRepairableError, true)
	}
	return n.StringParam("route", ""), nil
}

const stepDoc = `Node: step
Copies its value param into the shared store; test scaffolding for the scheduler.

Interface:
- Writes: shared["out"]: any
- Params: value: any  # default null
- Params: route: string  # default ""
- Params: fail: bool  # default false
- Params: fixable: bool  # default false
- Params: warn: string  # default ""
- Params: stderr: bool  # default false
- Params: non_repairable: bool  # default false
- Actions: default, error`

func harness(t *testing.T) *Executor {
	t.Helper()
	reg := registry.New(true)
	require.NoError(t, reg.Register("step", stepDoc, func() node.Node { return &stepNode{} }))

	cfg := &config.Config{
		Template: config.TemplateConfig{ResolutionMode: config.ResolutionStrict},
		Trace:    config.TraceConfig{DebugDir: t.TempDir()},
	}
	return New(compiler.New(reg, cfg, nil), cfg, nil, nil, nil)
}

func linearWorkflow() *ir.Workflow {
	return &ir.Workflow{
		Name: "linear",
		Nodes: []ir.NodeSpec{
			{ID: "first", Type: "step", Params: map[string]any{"value": "${inputs.seed}"}},
			{ID: "second", Type: "step", Params: map[string]any{"value": "${first.out}"}},
		},
		Edges: []ir.Edge{{From: "first", To: "second"}},
	}
}

func TestExecute_LinearSuccess(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Outputs = []string{"second.out"}

	res := e.Execute(context.Background(), wf, Options{Inputs: map[string]any{"seed": "s1"}})
	assert.Equal(t, trace.StatusSuccess, res.Status)
	assert.Nil(t, res.Err)
	assert.Equal(t, map[string]any{"second.out": "s1"}, res.Outputs)

	require.Len(t, res.Trace.Nodes, 2)
	assert.Equal(t, "first", res.Trace.Nodes[0].NodeID)
	assert.Equal(t, "second", res.Trace.Nodes[1].NodeID)
}

func TestExecute_MissingInputResolvesEmpty(t *testing.T) {
	// A bare ${dir} with no dir provided interpolates to "" and the run
	// still finishes success, strict resolution included
	e := harness(t)
	wf := &ir.Workflow{
		Name: "list-dir",
		Nodes: []ir.NodeSpec{
			{ID: "run", Type: "step", Params: map[string]any{"value": "ls ${dir}"}},
		},
		Edges: []ir.Edge{},
	}

	res := e.Execute(context.Background(), wf, Options{})
	require.Equal(t, trace.StatusSuccess, res.Status)
	assert.Empty(t, res.Trace.Warnings)

	out, ok := res.Store.Root("run")
	require.True(t, ok)
	assert.Equal(t, "ls ", out.(map[string]any)["out"])
}

func TestExecute_CheckpointAdvances(t *testing.T) {
	e := harness(t)
	res := e.Execute(context.Background(), linearWorkflow(), Options{Inputs: map[string]any{"seed": 1}})

	cp, ok := res.Store.Root(store.KeyExecution)
	require.True(t, ok)
	m := cp.(map[string]any)
	assert.Equal(t, []any{"first", "second"}, m["completed"])
	assert.Equal(t, "second", m["last_node"])
	assert.Equal(t, "default", m["actions"].(map[string]any)["first"])

	assert.Equal(t, m, res.Trace.Checkpoint)
}

func TestExecute_BranchRouting(t *testing.T) {
	e := harness(t)
	wf := &ir.Workflow{
		Name: "branch",
		Nodes: []ir.NodeSpec{
			{ID: "check", Type: "step", Params: map[string]any{"route": "error"}},
			{ID: "happy", Type: "step", Params: map[string]any{"value": "good"}},
			{ID: "sad", Type: "step", Params: map[string]any{"value": "bad"}},
		},
		Edges: []ir.Edge{
			{From: "check", To: "happy"},
			{From: "check", To: "sad", Action: "error"},
		},
	}

	res := e.Execute(context.Background(), wf, Options{})
	require.Equal(t, trace.StatusSuccess, res.Status)

	_, ranHappy := res.Store.Root("happy")
	sad, ranSad := res.Store.Root("sad")
	assert.False(t, ranHappy)
	require.True(t, ranSad)
	assert.Equal(t, "bad", sad.(map[string]any)["out"])
}

func TestExecute_UnroutedNonDefaultActionWarns(t *testing.T) {
	e := harness(t)
	wf := &ir.Workflow{
		Name:  "dangling",
		Nodes: []ir.NodeSpec{{ID: "only", Type: "step", Params: map[string]any{"route": "error"}}},
		Edges: []ir.Edge{},
	}

	res := e.Execute(context.Background(), wf, Options{})
	assert.Equal(t, trace.StatusDegraded, res.Status)
	require.Len(t, res.Trace.Warnings, 1)
	assert.Contains(t, res.Trace.Warnings[0], "no outgoing edge")
}

func TestExecute_DegradedOnWarning(t *testing.T) {
	e := harness(t)
	wf := &ir.Workflow{
		Name:  "warned",
		Nodes: []ir.NodeSpec{{ID: "w", Type: "step", Params: map[string]any{"warn": "disk almost full"}}},
		Edges: []ir.Edge{},
	}

	res := e.Execute(context.Background(), wf, Options{})
	assert.Equal(t, trace.StatusDegraded, res.Status)
	assert.Contains(t, res.Trace.Warnings, "disk almost full")
}

func TestExecute_DegradedOnStderr(t *testing.T) {
	e := harness(t)
	wf := &ir.Workflow{
		Name:  "noisy",
		Nodes: []ir.NodeSpec{{ID: "n", Type: "step", Params: map[string]any{"stderr": true}}},
		Edges: []ir.Edge{},
	}

	res := e.Execute(context.Background(), wf, Options{})
	assert.Equal(t, trace.StatusDegraded, res.Status)
	require.Len(t, res.Trace.Nodes, 1)
	assert.True(t, res.Trace.Nodes[0].HasStderr)
}

func TestExecute_FailureStopsWalk(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Nodes[0].Params["fail"] = true

	res := e.Execute(context.Background(), wf, Options{Inputs: map[string]any{"seed": 1}})
	assert.Equal(t, trace.StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, flowerr.CategoryHTTP, res.Err.Category)
	assert.Equal(t, "first", res.Err.NodeID)

	_, ranSecond := res.Store.Root("second")
	assert.False(t, ranSecond)
}

func TestExecute_RequiredInputMissing(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Inputs = map[string]ir.InputSpec{"seed": {Type: "string", Required: true}}

	res := e.Execute(context.Background(), wf, Options{})
	assert.Equal(t, trace.StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, flowerr.CategoryValidation, res.Err.Category)
	assert.Contains(t, res.Err.Message, `"seed"`)
}

func TestExecute_InputDefaultApplies(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Inputs = map[string]ir.InputSpec{"seed": {Type: "string", Default: "fallback"}}

	res := e.Execute(context.Background(), wf, Options{})
	require.Equal(t, trace.StatusSuccess, res.Status)

	second, _ := res.Store.Root("second")
	assert.Equal(t, "fallback", second.(map[string]any)["out"])
}

func TestExecute_ValidationFailure(t *testing.T) {
	e := harness(t)
	wf := &ir.Workflow{
		Name:  "broken",
		Nodes: []ir.NodeSpec{{ID: "x", Type: "no-such-type"}},
		Edges: []ir.Edge{},
	}

	res := e.Execute(context.Background(), wf, Options{})
	assert.Equal(t, trace.StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, flowerr.CategoryValidation, res.Err.Category)
}

func TestExecute_TraceFileWritten(t *testing.T) {
	e := harness(t)
	res := e.Execute(context.Background(), linearWorkflow(), Options{Inputs: map[string]any{"seed": 1}})

	require.NotEmpty(t, res.TracePath)
	base := filepath.Base(res.TracePath)
	assert.True(t, strings.HasPrefix(base, "workflow-trace-linear-"), base)
	assert.True(t, strings.HasSuffix(base, ".json"), base)

	data, err := os.ReadFile(res.TracePath)
	require.NoError(t, err)
	var tr trace.Trace
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.Equal(t, res.ExecutionID, tr.ExecutionID)
	assert.Equal(t, trace.StatusSuccess, tr.FinalStatus)
}

func TestExecute_RepairRetriesOnce(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Nodes[0].Params["fail"] = true
	wf.Nodes[0].Params["fixable"] = true

	calls := 0
	repair := func(failed *ir.Workflow, ferr *flowerr.Error, tr *trace.Trace) (*ir.Workflow, error) {
		calls++
		assert.Equal(t, flowerr.CategoryHTTP, ferr.Category)
		fixed, err := failed.Clone()
		require.NoError(t, err)
		fixed.Nodes[0].Params["fail"] = false
		return fixed, nil
	}

	res := e.Execute(context.Background(), wf, Options{
		Inputs:     map[string]any{"seed": 1},
		Repair:     repair,
		AutoRepair: true,
	})
	assert.Equal(t, 1, calls)
	assert.True(t, res.Repaired)
	assert.Equal(t, trace.StatusSuccess, res.Status)
}

func TestExecute_RepairSkippedWithoutAutoRepair(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Nodes[0].Params["fail"] = true
	wf.Nodes[0].Params["fixable"] = true

	calls := 0
	repair := func(failed *ir.Workflow, ferr *flowerr.Error, tr *trace.Trace) (*ir.Workflow, error) {
		calls++
		return nil, nil
	}

	res := e.Execute(context.Background(), wf, Options{Repair: repair, Inputs: map[string]any{"seed": 1}})
	assert.Equal(t, 0, calls)
	assert.Equal(t, trace.StatusFailed, res.Status)
}

func TestExecute_RepairSkippedForNonFixable(t *testing.T) {
	e := harness(t)
	wf := linearWorkflow()
	wf.Nodes[0].Params["fail"] = true // no suggestion, so not fixable

	calls := 0
	repair := func(failed *ir.Workflow, ferr *flowerr.Error, tr *trace.Trace) (*ir.Workflow, error) {
		calls++
		return nil, nil
	}

	res := e.Execute(context.Background(), wf, Options{
		Inputs:     map[string]any{"seed": 1},
		Repair:     repair,
		AutoRepair: true,
	})
	assert.Equal(t, 0, calls)
	assert.False(t, res.Repaired)
}

func TestExecute_NonRepairableSideChannelClearsFixable(t *testing.T) {
	e := harness(t)
	wf := &ir.Workflow{
		Name: "poisoned",
		Nodes: []ir.NodeSpec{
			{ID: "mark", Type: "step", Params: map[string]any{"non_repairable": true}},
			{ID: "blow", Type: "step", Params: map[string]any{"fail": true, "fixable": true}},
		},
		Edges: []ir.Edge{{From: "mark", To: "blow"}},
	}

	calls := 0
	repair := func(failed *ir.Workflow, ferr *flowerr.Error, tr *trace.Trace) (*ir.Workflow, error) {
		calls++
		return nil, nil
	}

	res := e.Execute(context.Background(), wf, Options{Repair: repair, AutoRepair: true})
	assert.Equal(t, trace.StatusFailed, res.Status)
	assert.Equal(t, 0, calls, "the side-channel blocks the repair hook")
	require.NotNil(t, res.Err)
	assert.False(t, res.Err.Fixable)
}

// recorderFunc adapts a closure into a Recorder
type recorderFunc func(ctx context.Context, rec ExecutionRecord) error

func (f recorderFunc) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	return f(ctx, rec)
}

func TestExecute_RecorderReceivesOutcome(t *testing.T) {
	reg := registry.New(true)
	require.NoError(t, reg.Register("step", stepDoc, func() node.Node { return &stepNode{} }))
	cfg := &config.Config{
		Template: config.TemplateConfig{ResolutionMode: config.ResolutionStrict},
		Trace:    config.TraceConfig{DebugDir: t.TempDir()},
	}

	var mu sync.Mutex
	var got []ExecutionRecord
	rec := recorderFunc(func(ctx context.Context, r ExecutionRecord) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r)
		return nil
	})

	e := New(compiler.New(reg, cfg, nil), cfg, nil, rec, nil)
	res := e.Execute(context.Background(), linearWorkflow(), Options{Inputs: map[string]any{"seed": 1}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, res.ExecutionID, got[0].ID)
	assert.Equal(t, "linear", got[0].Workflow)
	assert.Equal(t, trace.StatusSuccess, got[0].Status)
	assert.Equal(t, res.TracePath, got[0].TracePath)
}

func TestPatchRepairer(t *testing.T) {
	patch := []byte(`[{"op": "replace", "path": "/nodes/0/params/fail", "value": false}]`)
	repair, err := PatchRepairer(patch)
	require.NoError(t, err)

	wf := linearWorkflow()
	wf.Nodes[0].Params["fail"] = true

	fixed, err := repair(wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, false, fixed.Nodes[0].Params["fail"])
	assert.Equal(t, true, wf.Nodes[0].Params["fail"], "the original document is untouched")

	_, err = PatchRepairer([]byte(`{"not": "a patch"}`))
	assert.Error(t, err)
}

func TestMergeRepairer(t *testing.T) {
	repair := MergeRepairer([]byte(`{"start_node": "second"}`))

	fixed, err := repair(linearWorkflow(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", fixed.StartNode)
}
