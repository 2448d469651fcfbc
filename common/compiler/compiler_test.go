package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/registry"
	"github.com/lyzr/flowrunner/common/store"
)

type markerNode struct {
	node.Base
}

func (n *markerNode) Prep(ctx context.Context, shared *store.Namespaced) (any, error) {
	return n.Params, nil
}

func (n *markerNode) Exec(ctx context.Context, prep any) (any, error) { return prep, nil }

func (n *markerNode) Post(ctx context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	shared.Set("params", result)
	return n.StringParam("route", ""), nil
}

const markerDoc = `Node: marker
Stores its resolved params for inspection.

Interface:
- Writes: shared["params"]: dict
- Params: route: string  # default ""
- Params: greeting: string  # default hello
- Actions: default, error`

func testConfig() *config.Config {
	return &config.Config{
		Template: config.TemplateConfig{ResolutionMode: config.ResolutionStrict},
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(true)
	require.NoError(t, reg.Register("marker", markerDoc, func() node.Node { return &markerNode{} }))
	return reg
}

func branchingWorkflow() *ir.Workflow {
	return &ir.Workflow{
		Name: "branching",
		Nodes: []ir.NodeSpec{
			{ID: "check", Type: "marker", Params: map[string]any{"route": "error"}},
			{ID: "happy", Type: "marker"},
			{ID: "sad", Type: "marker"},
		},
		Edges: []ir.Edge{
			{From: "check", To: "happy"},
			{From: "check", To: "sad", Action: "error"},
		},
	}
}

func TestCompile_RoutingTable(t *testing.T) {
	c := New(testRegistry(t), testConfig(), nil)

	g, err := c.Compile(branchingWorkflow(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "check", g.Start)
	assert.Len(t, g.Runners, 3)

	to, ok := g.Next("check", "default")
	require.True(t, ok)
	assert.Equal(t, "happy", to)

	to, ok = g.Next("check", "error")
	require.True(t, ok)
	assert.Equal(t, "sad", to)

	_, ok = g.Next("happy", "default")
	assert.False(t, ok, "terminal nodes have no outgoing route")
}

func TestCompile_ValidationFailuresReturnFullList(t *testing.T) {
	c := New(testRegistry(t), testConfig(), nil)
	wf := &ir.Workflow{
		Nodes: []ir.NodeSpec{
			{ID: "a", Type: "ghost"},
			{ID: "b", Type: "phantom"},
		},
		Edges: []ir.Edge{{From: "a", To: "b"}},
	}

	_, err := c.Compile(wf, Options{})
	require.Error(t, err)

	list, ok := err.(*flowerr.List)
	require.True(t, ok, "compile surfaces the complete validation list")
	assert.GreaterOrEqual(t, len(list.All()), 2)
}

func TestCompile_InterfaceOnlyEntryFails(t *testing.T) {
	reg := testRegistry(t)
	// Simulate a scanned entry: interface known, constructor absent
	dir := t.TempDir()
	writeSource(t, dir, `package x

const doc = `+"`"+`Node: scanned-only
Does something discovered but unimplemented.

Interface:
- Writes: shared["out"]: string
- Actions: default`+"`"+`
`)
	require.NoError(t, reg.Scan(dir))

	c := New(reg, testConfig(), nil)
	wf := &ir.Workflow{
		Nodes: []ir.NodeSpec{{ID: "s", Type: "scanned-only"}},
		Edges: []ir.Edge{},
	}

	_, err := c.Compile(wf, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no implementation")
}

func TestCompile_DoesNotMutateCallerDocument(t *testing.T) {
	c := New(testRegistry(t), testConfig(), nil)
	wf := branchingWorkflow()

	g, err := c.Compile(wf, Options{})
	require.NoError(t, err)

	g.Workflow.Nodes[0].Params["route"] = "mutated"
	assert.Equal(t, "error", wf.Nodes[0].Params["route"])
}

func TestCompile_ParamDefaultsApplied(t *testing.T) {
	c := New(testRegistry(t), testConfig(), nil)
	wf := &ir.Workflow{
		Name:  "defaults",
		Nodes: []ir.NodeSpec{{ID: "m", Type: "marker"}},
		Edges: []ir.Edge{},
	}

	g, err := c.Compile(wf, Options{})
	require.NoError(t, err)

	s := store.New()
	_, err = g.Runners["m"].Run(context.Background(), s)
	require.NoError(t, err)

	ns, _ := s.Root("m")
	params := ns.(map[string]any)["params"].(map[string]any)
	assert.Equal(t, "hello", params["greeting"])
}

func writeSource(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gen.go"), []byte(content), 0o644))
}
