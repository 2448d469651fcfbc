package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/store"
)

// scriptedNode drives the lifecycle from a test script
type scriptedNode struct {
	Base
	prepErr   error
	execErrs  []error // consumed per attempt; nil means success
	execCalls int
	execSleep time.Duration
	fallback  func(prep any, execErr error) (any, error)
	action    string
	postErr   error
	postCalls int
}

func (n *scriptedNode) Prep(ctx context.Context, shared *store.Namespaced) (any, error) {
	if n.prepErr != nil {
		return nil, n.prepErr
	}
	return "prepped", nil
}

func (n *scriptedNode) Exec(ctx context.Context, prep any) (any, error) {
	i := n.execCalls
	n.execCalls++
	if n.execSleep > 0 {
		select {
		case <-time.After(n.execSleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i < len(n.execErrs) && n.execErrs[i] != nil {
		return nil, n.execErrs[i]
	}
	return "done", nil
}

func (n *scriptedNode) Post(ctx context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	n.postCalls++
	if n.postErr != nil {
		return "", n.postErr
	}
	shared.Set("result", result)
	return n.action, nil
}

type fallbackNode struct {
	scriptedNode
}

func (n *fallbackNode) ExecFallback(ctx context.Context, prep any, execErr error) (any, error) {
	return n.fallback(prep, execErr)
}

func lens() (*store.Store, *store.Namespaced) {
	s := store.New()
	return s, store.NewNamespaced(s, "n1")
}

func TestRunLifecycle_HappyPath(t *testing.T) {
	s, ns := lens()
	n := &scriptedNode{action: "next"}

	action, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "next", action)
	assert.Equal(t, 1, n.execCalls)

	v, _ := s.Root("n1")
	assert.Equal(t, "done", v.(map[string]any)["result"])
}

func TestRunLifecycle_EmptyActionDefaults(t *testing.T) {
	_, ns := lens()
	action, err := RunLifecycle(context.Background(), &scriptedNode{}, ns, Options{NodeID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "default", action)
}

func TestRunLifecycle_RetriesThenSucceeds(t *testing.T) {
	_, ns := lens()
	n := &scriptedNode{execErrs: []error{errors.New("flaky"), errors.New("flaky")}}

	action, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1", MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, "default", action)
	assert.Equal(t, 3, n.execCalls)
}

func TestRunLifecycle_RetriesExhausted(t *testing.T) {
	_, ns := lens()
	n := &scriptedNode{execErrs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}

	_, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1", MaxRetries: 2})
	require.Error(t, err)
	assert.Equal(t, 3, n.execCalls, "one initial attempt plus two retries")
	assert.Equal(t, "n1", flowerr.AsError(err).NodeID)
	assert.Equal(t, 0, n.postCalls, "post never runs after exec failure")
}

func TestRunLifecycle_FallbackRunsAfterExhaustion(t *testing.T) {
	_, ns := lens()
	var sawErr error
	n := &fallbackNode{scriptedNode: scriptedNode{
		execErrs: []error{errors.New("down"), errors.New("down")},
	}}
	n.fallback = func(prep any, execErr error) (any, error) {
		sawErr = execErr
		return "fallback-result", nil
	}

	action, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1", MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, "default", action)
	assert.EqualError(t, sawErr, "down")
	assert.Equal(t, 1, n.postCalls, "fallback result flows into post")
}

func TestRunLifecycle_FallbackErrorPropagates(t *testing.T) {
	_, ns := lens()
	n := &fallbackNode{scriptedNode: scriptedNode{execErrs: []error{errors.New("down")}}}
	n.fallback = func(prep any, execErr error) (any, error) {
		return nil, flowerr.New(flowerr.CategoryHTTP, "service unavailable").
			WithSuggestion("check the upstream URL")
	}

	_, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1"})
	require.Error(t, err)
	assert.Equal(t, flowerr.CategoryHTTP, flowerr.CategoryOf(err))
	assert.True(t, flowerr.IsFixable(err))
}

func TestRunLifecycle_PrepErrorSkipsExec(t *testing.T) {
	_, ns := lens()
	n := &scriptedNode{prepErr: flowerr.New(flowerr.CategoryValidation, "missing param")}

	_, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1", MaxRetries: 3})
	require.Error(t, err)
	assert.Equal(t, 0, n.execCalls, "prep errors never retry")
}

func TestRunLifecycle_PostError(t *testing.T) {
	_, ns := lens()
	n := &scriptedNode{postErr: errors.New("bad write")}

	_, err := RunLifecycle(context.Background(), n, ns, Options{NodeID: "n1"})
	require.Error(t, err)
	assert.Equal(t, "n1", flowerr.AsError(err).NodeID)
}

func TestRunLifecycle_ExecTimeout(t *testing.T) {
	_, ns := lens()
	n := &scriptedNode{execSleep: 200 * time.Millisecond}

	_, err := RunLifecycle(context.Background(), n, ns, Options{
		NodeID:  "n1",
		Timeout: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, flowerr.CategoryTimeout, flowerr.CategoryOf(err))
}

func TestRunLifecycle_CancelledBeforeStart(t *testing.T) {
	_, ns := lens()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := &scriptedNode{}
	_, err := RunLifecycle(ctx, n, ns, Options{NodeID: "n1"})
	require.Error(t, err)
	assert.Equal(t, flowerr.CategoryCancelled, flowerr.CategoryOf(err))
	assert.Equal(t, 0, n.execCalls)
}

func TestRunLifecycle_CancelledDuringExecIsTerminal(t *testing.T) {
	_, ns := lens()
	ctx, cancel := context.WithCancel(context.Background())
	n := &scriptedNode{execSleep: time.Second}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := RunLifecycle(ctx, n, ns, Options{NodeID: "n1", MaxRetries: 5})
	require.Error(t, err)
	assert.Equal(t, flowerr.CategoryCancelled, flowerr.CategoryOf(err))
	assert.Equal(t, 1, n.execCalls, "cancellation never retries")
}
