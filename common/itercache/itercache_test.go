package itercache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeKey_Deterministic(t *testing.T) {
	env := Envelope{
		NodeType:       "http",
		ResolvedParams: map[string]any{"url": "https://example.com", "method": "GET"},
		Inputs:         map[string]any{"fetch.body": map[string]any{"temperature": 21.5}},
		Version:        "v1",
	}

	first, err := env.Key()
	require.NoError(t, err)
	assert.Len(t, first, 64)

	for i := 0; i < 10; i++ {
		key, err := env.Key()
		require.NoError(t, err)
		assert.Equal(t, first, key)
	}

	// map literal order is irrelevant; JSON marshals keys sorted
	reordered := Envelope{
		NodeType:       "http",
		ResolvedParams: map[string]any{"method": "GET", "url": "https://example.com"},
		Inputs:         env.Inputs,
		Version:        "v1",
	}
	key, err := reordered.Key()
	require.NoError(t, err)
	assert.Equal(t, first, key)
}

func TestEnvelopeKey_SensitiveToEveryField(t *testing.T) {
	base := Envelope{NodeType: "shell", ResolvedParams: map[string]any{"command": "ls"}, Version: "v1"}
	baseKey, err := base.Key()
	require.NoError(t, err)

	variants := []Envelope{
		{NodeType: "http", ResolvedParams: base.ResolvedParams, Version: "v1"},
		{NodeType: "shell", ResolvedParams: map[string]any{"command": "ls -la"}, Version: "v1"},
		{NodeType: "shell", ResolvedParams: base.ResolvedParams, Version: "v2"},
		{NodeType: "shell", ResolvedParams: base.ResolvedParams, Inputs: map[string]any{"prev.out": 1}, Version: "v1"},
	}
	for i, v := range variants {
		key, err := v.Key()
		require.NoError(t, err)
		assert.NotEqual(t, baseKey, key, "variant %d must key differently", i)
	}
}

func TestEnvelopeKey_Unmarshalable(t *testing.T) {
	env := Envelope{ResolvedParams: map[string]any{"fn": func() {}}}
	_, err := env.Key()
	assert.Error(t, err)
}

func TestFileStore_RoundTrip(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	_, found, err := s.Get(ctx, "wf", "k1")
	require.NoError(t, err)
	assert.False(t, found)

	entry := &Entry{
		Delta:  map[string]any{"copied": "value"},
		Action: "error",
	}
	require.NoError(t, s.Put(ctx, "wf", "k1", entry))

	got, found, err := s.Get(ctx, "wf", "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "error", got.Action)
	assert.Equal(t, map[string]any{"copied": "value"}, got.Delta)
}

func TestFileStore_BatchDeltaKeepsListShape(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	entry := &Entry{Delta: []any{map[string]any{"copied": "a"}, map[string]any{"copied": "b"}}}
	require.NoError(t, s.Put(ctx, "wf", "batch", entry))

	got, found, err := s.Get(ctx, "wf", "batch")
	require.NoError(t, err)
	require.True(t, found)
	list, ok := got.Delta.([]any)
	require.True(t, ok, "batch deltas round-trip as lists")
	assert.Len(t, list, 2)
}

func TestFileStore_CorruptEntryIsAMiss(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "wf", "k1", &Entry{Action: "default"}))
	path := filepath.Join(dir, "wf", "k1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, found, err := s.Get(ctx, "wf", "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStore_WorkflowsAreIsolated(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "alpha", "k1", &Entry{Action: "default"}))

	_, found, err := s.Get(ctx, "beta", "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStore_Clear(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "wf", "k1", &Entry{Action: "default"}))
	require.NoError(t, s.Put(ctx, "other", "k1", &Entry{Action: "default"}))
	require.NoError(t, s.Clear("wf"))

	_, found, _ := s.Get(ctx, "wf", "k1")
	assert.False(t, found)
	_, found, _ = s.Get(ctx, "other", "k1")
	assert.True(t, found, "clearing one workflow leaves the others")
}

func TestFileStore_SanitizesWorkflowNames(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "../escape/attempt", "k1", &Entry{Action: "default"}))

	_, found, err := s.Get(ctx, "../escape/attempt", "k1")
	require.NoError(t, err)
	assert.True(t, found)

	// everything stays under the store root
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "---escape-attempt", entries[0].Name())

	_, err = os.Stat(filepath.Join(dir, "..", "escape"))
	assert.True(t, os.IsNotExist(err))
}

type flakyStore struct {
	entries map[string]*Entry
	fail    bool
}

func (f *flakyStore) Get(_ context.Context, workflow, key string) (*Entry, bool, error) {
	if f.fail {
		return nil, false, assert.AnError
	}
	e, ok := f.entries[workflow+"/"+key]
	return e, ok, nil
}

func (f *flakyStore) Put(_ context.Context, workflow, key string, entry *Entry) error {
	if f.fail {
		return assert.AnError
	}
	f.entries[workflow+"/"+key] = entry
	return nil
}

func (f *flakyStore) Close() error { return nil }

func TestCache_BackendErrorsAreMisses(t *testing.T) {
	backend := &flakyStore{entries: map[string]*Entry{}, fail: true}
	c := New(backend, "wf", nil)
	ctx := context.Background()
	env := Envelope{NodeType: "http", Version: "v1"}

	// neither reads nor writes surface backend failures to the run
	c.Put(ctx, env, &Entry{Action: "default"})
	_, found := c.Get(ctx, env)
	assert.False(t, found)

	backend.fail = false
	c.Put(ctx, env, &Entry{Action: "default"})
	entry, found := c.Get(ctx, env)
	require.True(t, found)
	assert.Equal(t, "default", entry.Action)
}
