// Package node defines the three-phase node contract and the wrapper
// chain composed around every raw node: template resolution, namespacing,
// batch fan-out, iteration caching, and instrumentation.
package node

import (
	"context"

	"github.com/lyzr/flowrunner/common/store"
	"github.com/lyzr/flowrunner/common/template"
)

// Node is the runtime contract every node implements. Prep gathers inputs
// from the shared store and must not block on I/O. Exec is the only phase
// permitted to fail transiently and the only phase that may suspend.
// Post writes outputs and returns the action selecting the next edge.
type Node interface {
	Prep(ctx context.Context, shared *store.Namespaced) (any, error)
	Exec(ctx context.Context, prep any) (any, error)
	Post(ctx context.Context, shared *store.Namespaced, prep, result any) (string, error)
}

// Fallbacker is implemented by nodes with an exec fallback. It runs after
// retries are exhausted; the convention is raise-with-suggestion: return a
// *flowerr.Error carrying a category and suggestion rather than a
// sentinel value.
type Fallbacker interface {
	ExecFallback(ctx context.Context, prep any, execErr error) (any, error)
}

// ParamSetter receives resolved params before Prep runs
type ParamSetter interface {
	SetParams(params map[string]any)
}

// Base provides param storage and typed accessors for builtin nodes
type Base struct {
	Params map[string]any
}

// SetParams implements ParamSetter
func (b *Base) SetParams(params map[string]any) {
	b.Params = params
}

// Param returns a raw param value
func (b *Base) Param(name string) (any, bool) {
	v, ok := b.Params[name]
	return v, ok
}

// StringParam returns a string param, or the fallback
func (b *Base) StringParam(name, fallback string) string {
	if v, ok := b.Params[name].(string); ok {
		return v
	}
	return fallback
}

// BoolParam returns a bool param, or the fallback
func (b *Base) BoolParam(name string, fallback bool) bool {
	if v, ok := b.Params[name].(bool); ok {
		return v
	}
	return fallback
}

// IntParam returns an int param, tolerating JSON float64, or the fallback
func (b *Base) IntParam(name string, fallback int) int {
	switch v := b.Params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// LLMRecord captures one language-model call for the trace
type LLMRecord struct {
	Model        string `json:"model,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Response     string `json:"response,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// RunState is the per-run scratch record shared between the wrapper
// layers and the instrumented tracer: template resolutions, LLM calls,
// captured stderr. Nodes reach it through StateFromContext.
type RunState struct {
	Resolutions []template.Resolution
	Warnings    []string
	LLMCalls    []LLMRecord
	Stderr      string
	Cancelled   bool
	CacheHit    bool
}

type runStateKey struct{}

// WithRunState attaches a run state to the context
func WithRunState(ctx context.Context, rs *RunState) context.Context {
	return context.WithValue(ctx, runStateKey{}, rs)
}

// StateFromContext returns the active run state, or nil outside a run
func StateFromContext(ctx context.Context) *RunState {
	rs, _ := ctx.Value(runStateKey{}).(*RunState)
	return rs
}

// RecordLLM appends an LLM call record to the active run state
func RecordLLM(ctx context.Context, rec LLMRecord) {
	if rs := StateFromContext(ctx); rs != nil {
		rs.LLMCalls = append(rs.LLMCalls, rec)
	}
}

// RecordStderr attaches captured stderr to the active run state
func RecordStderr(ctx context.Context, stderr string) {
	if rs := StateFromContext(ctx); rs != nil {
		rs.Stderr = stderr
	}
}
