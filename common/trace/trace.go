// Package trace produces the per-execution structured record: one
// NodeEvent per node run with filtered pre/post snapshots, mutation sets,
// timings, and LLM usage, written as one JSON file per execution plus an
// optional derived smart-debug markdown file.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/template"
)

// Status is the tri-state final status of an execution
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// NodeEvent captures one node run
type NodeEvent struct {
	NodeID       string         `json:"node_id"`
	NodeType     string         `json:"node_type"`
	DurationMS   int64          `json:"duration_ms"`
	Success      bool           `json:"success"`
	SharedBefore map[string]any `json:"shared_before,omitempty"`
	SharedAfter  map[string]any `json:"shared_after,omitempty"`
	Mutations    Mutations      `json:"mutations"`

	LLMCall     bool   `json:"llm_call,omitempty"`
	LLMPrompt   string `json:"llm_prompt,omitempty"`
	LLMResponse string `json:"llm_response,omitempty"`

	TemplateResolutions []template.Resolution `json:"template_resolutions,omitempty"`

	Stderr    string `json:"stderr,omitempty"`
	HasStderr bool   `json:"has_stderr,omitempty"`

	CacheHit  bool           `json:"cache_hit,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
	Error     *flowerr.Error `json:"error,omitempty"`

	Runtime map[string]any `json:"runtime,omitempty"`
}

// LLMSummary aggregates model usage across the execution
type LLMSummary struct {
	Calls        int      `json:"calls"`
	PromptTokens int      `json:"prompt_tokens"`
	OutputTokens int      `json:"output_tokens"`
	Models       []string `json:"models,omitempty"`
}

// Trace is the per-execution record
type Trace struct {
	ExecutionID  string         `json:"execution_id"`
	WorkflowName string         `json:"workflow_name"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	DurationMS   int64          `json:"duration_ms"`
	FinalStatus  Status         `json:"final_status"`
	Nodes        []NodeEvent    `json:"nodes"`
	LLMSummary   LLMSummary     `json:"llm_summary"`
	Warnings     []string       `json:"warnings,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
	Error        *flowerr.Error `json:"error,omitempty"`
	Checkpoint   map[string]any `json:"execution,omitempty"`
}

// Tracer collects the record of one execution. Each execution constructs
// its own tracer; there is no shared state between executions.
type Tracer struct {
	cfg    config.TraceConfig
	filter *Filter
	log    *logger.Logger

	trace Trace
}

// New creates a tracer for one execution
func New(cfg config.TraceConfig, executionID, workflowName string, log *logger.Logger) *Tracer {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracer{
		cfg:    cfg,
		filter: NewFilter(cfg),
		log:    log,
		trace: Trace{
			ExecutionID:  executionID,
			WorkflowName: workflowName,
			StartTime:    time.Now().UTC(),
			Nodes:        []NodeEvent{},
		},
	}
}

// Filter exposes the truncation filter for wrapper snapshots
func (t *Tracer) Filter() *Filter { return t.filter }

// RecordNode appends one node event, applying filtering and the LLM call
// cap before storage
func (t *Tracer) RecordNode(ev NodeEvent) {
	ev.SharedBefore = t.filter.Snapshot(ev.SharedBefore)
	ev.SharedAfter = t.filter.Snapshot(ev.SharedAfter)
	ev.LLMPrompt = t.filter.Prompt(ev.LLMPrompt)
	ev.LLMResponse = t.filter.Response(ev.LLMResponse)
	ev.HasStderr = ev.Stderr != ""

	t.trace.Nodes = append(t.trace.Nodes, ev)
}

// AddLLMUsage accumulates usage for the execution summary
func (t *Tracer) AddLLMUsage(model string, promptTokens, outputTokens int) {
	s := &t.trace.LLMSummary
	if t.cfg.LLMCallsMax > 0 && s.Calls >= t.cfg.LLMCallsMax {
		return
	}
	s.Calls++
	s.PromptTokens += promptTokens
	s.OutputTokens += outputTokens
	for _, m := range s.Models {
		if m == model {
			return
		}
	}
	if model != "" {
		s.Models = append(s.Models, model)
	}
}

// AddWarning records an execution-level warning
func (t *Tracer) AddWarning(warning string) {
	t.trace.Warnings = append(t.trace.Warnings, warning)
}

// SetCheckpoint attaches the __execution__ checkpoint to the final trace
func (t *Tracer) SetCheckpoint(checkpoint map[string]any) {
	t.trace.Checkpoint = checkpoint
}

// Finish closes the trace with a final status
func (t *Tracer) Finish(status Status, execErr *flowerr.Error, cancelled bool) *Trace {
	t.trace.EndTime = time.Now().UTC()
	t.trace.DurationMS = t.trace.EndTime.Sub(t.trace.StartTime).Milliseconds()
	t.trace.FinalStatus = status
	t.trace.Error = execErr
	t.trace.Cancelled = cancelled
	return &t.trace
}

// Current returns the trace built so far
func (t *Tracer) Current() *Trace { return &t.trace }

// Write flushes the trace to the debug directory as
// workflow-trace-<name>-<YYYYMMDD-HHMMSS>.json and, when configured, a
// derived workflow-debug markdown file. Returns the JSON path.
func (t *Tracer) Write() (string, error) {
	if err := os.MkdirAll(t.cfg.DebugDir, 0o755); err != nil {
		return "", fmt.Errorf("create debug dir: %w", err)
	}

	stamp := t.trace.StartTime.Format("20060102-150405")
	name := t.trace.WorkflowName
	if name == "" {
		name = "unnamed"
	}

	jsonPath := filepath.Join(t.cfg.DebugDir, fmt.Sprintf("workflow-trace-%s-%s.json", name, stamp))
	data, err := json.MarshalIndent(&t.trace, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal trace: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write trace file: %w", err)
	}

	if t.cfg.WriteMarkdown {
		mdPath := filepath.Join(t.cfg.DebugDir, fmt.Sprintf("workflow-debug-%s-%s.md", name, stamp))
		if err := os.WriteFile(mdPath, []byte(RenderMarkdown(&t.trace)), 0o644); err != nil {
			t.log.Warn("failed to write debug markdown", "path", mdPath, "error", err)
		}
	}

	t.log.Debug("trace written", "path", jsonPath, "nodes", len(t.trace.Nodes))
	return jsonPath, nil
}
