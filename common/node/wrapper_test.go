package node

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/itercache"
	"github.com/lyzr/flowrunner/common/store"
	"github.com/lyzr/flowrunner/common/template"
)

// copyNode copies its resolved "value" param into its namespace
type copyNode struct {
	Base
	execCount *int64
	failWhen  func(prep any) error
}

func (n *copyNode) Prep(ctx context.Context, shared *store.Namespaced) (any, error) {
	v, _ := n.Param("value")
	return v, nil
}

func (n *copyNode) Exec(ctx context.Context, prep any) (any, error) {
	if n.execCount != nil {
		atomic.AddInt64(n.execCount, 1)
	}
	if n.failWhen != nil {
		if err := n.failWhen(prep); err != nil {
			return nil, err
		}
	}
	return prep, nil
}

func (n *copyNode) Post(ctx context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	shared.Set("copied", result)
	return n.StringParam("route", ""), nil
}

func chainFor(t *testing.T, cfg ChainConfig) Runner {
	t.Helper()
	r, err := BuildChain(cfg)
	require.NoError(t, err)
	return r
}

func TestChain_ResolvesParamsIntoNamespace(t *testing.T) {
	s := store.NewWithInputs(map[string]any{"city": "Berlin"})

	r := chainFor(t, ChainConfig{
		NodeID:   "copy",
		NodeType: "copy",
		Params:   map[string]any{"value": "${inputs.city}"},
		New:      func() Node { return &copyNode{} },
	})

	action, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "default", action)

	ns, _ := s.Root("copy")
	assert.Equal(t, "Berlin", ns.(map[string]any)["copied"])
}

func TestChain_ActionRouting(t *testing.T) {
	s := store.New()
	r := chainFor(t, ChainConfig{
		NodeID: "copy",
		Params: map[string]any{"value": 1, "route": "error"},
		New:    func() Node { return &copyNode{} },
	})

	action, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "error", action)
}

func TestChain_MissingConstructor(t *testing.T) {
	_, err := BuildChain(ChainConfig{NodeID: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no constructor")
}

func TestChain_DeclaredReadWarning(t *testing.T) {
	s := store.New()
	r := chainFor(t, ChainConfig{
		NodeID: "copy",
		Params: map[string]any{"value": 1},
		Reads:  []string{"upstream.body", "<name>.anything"},
		New:    func() Node { return &copyNode{} },
	})

	_, err := r.Run(context.Background(), s)
	require.NoError(t, err)

	warnings := s.Warnings()
	require.Len(t, warnings, 1, "placeholder paths are not checkable")
	assert.Contains(t, warnings[0], `"upstream.body"`)
}

func TestChain_PermissiveWarningsReachStore(t *testing.T) {
	s := store.New()
	r := chainFor(t, ChainConfig{
		NodeID: "copy",
		Params: map[string]any{"value": "${nowhere.at.all}"},
		Engine: template.NewEngine(config.ResolutionPermissive),
		New:    func() Node { return &copyNode{} },
	})

	_, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, s.Warnings(), 1)
	assert.Contains(t, s.Warnings()[0], "${nowhere.at.all}")
}

func batchStore(items ...any) *store.Store {
	return store.NewWithInputs(map[string]any{"items": items})
}

func batchConfig(execCount *int64, failWhen func(prep any) error, parallel int) ChainConfig {
	return ChainConfig{
		NodeID:   "fan",
		NodeType: "copy",
		Params:   map[string]any{"value": "${item}"},
		Batch:    &ir.BatchSpec{Over: "${inputs.items}", Parallel: parallel},
		New: func() Node {
			return &copyNode{execCount: execCount, failWhen: failWhen}
		},
	}
}

func TestBatch_ResultsKeepInputOrder(t *testing.T) {
	for _, parallel := range []int{1, 4} {
		s := batchStore("a", "b", "c", "d")
		var count int64
		r := chainFor(t, batchConfig(&count, nil, parallel))

		action, err := r.Run(context.Background(), s)
		require.NoError(t, err, "parallel=%d", parallel)
		assert.Equal(t, "default", action)
		assert.EqualValues(t, 4, count)

		results, ok := s.Root("fan")
		require.True(t, ok)
		list := results.([]any)
		require.Len(t, list, 4)
		for i, want := range []string{"a", "b", "c", "d"} {
			assert.Equal(t, want, list[i].(map[string]any)["copied"], "parallel=%d index %d", parallel, i)
		}
	}
}

func TestBatch_EmptyList(t *testing.T) {
	s := batchStore()
	r := chainFor(t, batchConfig(nil, nil, 1))

	action, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "default", action)

	results, ok := s.Root("fan")
	require.True(t, ok)
	assert.Equal(t, []any{}, results)
}

func TestBatch_NonListIsValidationError(t *testing.T) {
	s := store.NewWithInputs(map[string]any{"items": "not-a-list"})
	r := chainFor(t, batchConfig(nil, nil, 1))

	_, err := r.Run(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, flowerr.CategoryValidation, flowerr.CategoryOf(err))
}

func TestBatch_SequentialStopsAtFirstFailure(t *testing.T) {
	s := batchStore("a", "boom", "c")
	var count int64
	fail := func(prep any) error {
		if prep == "boom" {
			return errors.New("item failed")
		}
		return nil
	}
	r := chainFor(t, batchConfig(&count, fail, 1))

	_, err := r.Run(context.Background(), s)
	require.Error(t, err)
	assert.EqualValues(t, 2, count, "sequential mode never starts items after the failure")
}

func TestBatch_ParallelCompletesInFlight(t *testing.T) {
	s := batchStore("a", "boom", "c", "d")
	var count int64
	fail := func(prep any) error {
		if prep == "boom" {
			return errors.New("item failed")
		}
		return nil
	}
	r := chainFor(t, batchConfig(&count, fail, 4))

	_, err := r.Run(context.Background(), s)
	require.Error(t, err)
	assert.EqualValues(t, 4, count, "parallel mode lets every started item finish")

	// successful iterations still land in the results list
	results, _ := s.Root("fan")
	list := results.([]any)
	assert.Equal(t, "a", list[0].(map[string]any)["copied"])
	assert.Empty(t, list[1], "the failed iteration wrote nothing")
	assert.Equal(t, "d", list[3].(map[string]any)["copied"])
}

func TestBatch_ItemIsolation(t *testing.T) {
	s := batchStore("x", "y")
	r := chainFor(t, batchConfig(nil, nil, 2))

	_, err := r.Run(context.Background(), s)
	require.NoError(t, err)

	// the outer store never sees the injected item key
	_, ok := s.Root(store.KeyItem)
	assert.False(t, ok)
}

func cacheFor(t *testing.T) *itercache.Cache {
	t.Helper()
	return itercache.New(itercache.NewFileStore(t.TempDir()), "wf-test", nil)
}

func TestCache_HitReplaysNamespaceAndAction(t *testing.T) {
	cache := cacheFor(t)
	var count int64

	cfg := ChainConfig{
		NodeID:   "copy",
		NodeType: "copy",
		Params:   map[string]any{"value": "stable", "route": "error"},
		Version:  "v1",
		Cache:    cache,
		New:      func() Node { return &copyNode{execCount: &count} },
	}

	s1 := store.New()
	action, err := chainFor(t, cfg).Run(context.Background(), s1)
	require.NoError(t, err)
	assert.Equal(t, "error", action)
	assert.EqualValues(t, 1, count)

	s2 := store.New()
	action, err = chainFor(t, cfg).Run(context.Background(), s2)
	require.NoError(t, err)
	assert.Equal(t, "error", action, "the cached action replays")
	assert.EqualValues(t, 1, count, "the node never ran on the hit")

	ns, ok := s2.Root("copy")
	require.True(t, ok)
	assert.Equal(t, "stable", ns.(map[string]any)["copied"])
}

func TestCache_VersionChangeInvalidates(t *testing.T) {
	cache := cacheFor(t)
	var count int64

	cfg := ChainConfig{
		NodeID: "copy",
		Params: map[string]any{"value": "stable"},
		Cache:  cache,
		New:    func() Node { return &copyNode{execCount: &count} },
	}

	cfg.Version = "v1"
	_, err := chainFor(t, cfg).Run(context.Background(), store.New())
	require.NoError(t, err)

	cfg.Version = "v2"
	_, err = chainFor(t, cfg).Run(context.Background(), store.New())
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "a version bump misses the old entry")
}

func TestCache_ResolvedInputChangesKey(t *testing.T) {
	cache := cacheFor(t)
	var count int64

	cfg := ChainConfig{
		NodeID: "copy",
		Params: map[string]any{"value": "${inputs.city}"},
		Cache:  cache,
		New:    func() Node { return &copyNode{execCount: &count} },
	}

	_, err := chainFor(t, cfg).Run(context.Background(), store.NewWithInputs(map[string]any{"city": "Berlin"}))
	require.NoError(t, err)
	_, err = chainFor(t, cfg).Run(context.Background(), store.NewWithInputs(map[string]any{"city": "Kyoto"}))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "different resolved params key differently")

	_, err = chainFor(t, cfg).Run(context.Background(), store.NewWithInputs(map[string]any{"city": "Berlin"}))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "the first envelope replays")
}

func TestCache_FailedRunsAreNotCached(t *testing.T) {
	cache := cacheFor(t)
	var count int64
	boom := func(prep any) error { return fmt.Errorf("always fails") }

	cfg := ChainConfig{
		NodeID: "copy",
		Params: map[string]any{"value": 1},
		Cache:  cache,
		New:    func() Node { return &copyNode{execCount: &count, failWhen: boom} },
	}

	_, err := chainFor(t, cfg).Run(context.Background(), store.New())
	require.Error(t, err)
	_, err = chainFor(t, cfg).Run(context.Background(), store.New())
	require.Error(t, err)
	assert.EqualValues(t, 2, count)
}
