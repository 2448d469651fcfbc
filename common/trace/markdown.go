package trace

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/flowrunner/common/flowerr"
)

// RenderMarkdown derives the smart-debug document from a trace. Section
// selection follows the final status: failures get the failing node, its
// input envelope, and template-error suggestions; successes get a thin
// timeline plus warnings.
func RenderMarkdown(t *Trace) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Workflow debug: %s\n\n", t.WorkflowName)
	fmt.Fprintf(&b, "- execution: `%s`\n", t.ExecutionID)
	fmt.Fprintf(&b, "- status: **%s**\n", t.FinalStatus)
	fmt.Fprintf(&b, "- duration: %d ms\n", t.DurationMS)
	fmt.Fprintf(&b, "- nodes run: %d\n\n", len(t.Nodes))

	switch t.FinalStatus {
	case StatusFailed:
		renderFailure(&b, t)
	default:
		renderTimeline(&b, t)
	}

	if len(t.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range t.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func renderTimeline(b *strings.Builder, t *Trace) {
	b.WriteString("## Timeline\n\n")
	for _, ev := range t.Nodes {
		marker := "ok"
		if !ev.Success {
			marker = "failed"
		}
		if ev.CacheHit {
			marker += ", cached"
		}
		fmt.Fprintf(b, "- `%s` (%s) — %d ms (%s)\n", ev.NodeID, ev.NodeType, ev.DurationMS, marker)
	}
	b.WriteString("\n")

	if t.LLMSummary.Calls > 0 {
		b.WriteString("## LLM usage\n\n")
		fmt.Fprintf(b, "- calls: %d, prompt tokens: %d, output tokens: %d\n\n",
			t.LLMSummary.Calls, t.LLMSummary.PromptTokens, t.LLMSummary.OutputTokens)
	}
}

func renderFailure(b *strings.Builder, t *Trace) {
	failing := failingNode(t)
	if failing == nil {
		if t.Error != nil {
			b.WriteString("## Error\n\n")
			fmt.Fprintf(b, "```\n%s\n```\n\n", t.Error.Rendered())
		}
		return
	}

	fmt.Fprintf(b, "## Failing node: `%s` (%s)\n\n", failing.NodeID, failing.NodeType)

	if failing.Error != nil {
		fmt.Fprintf(b, "```\n%s\n```\n\n", failing.Error.Rendered())

		if failing.Error.Category == flowerr.CategoryTemplate {
			renderTemplateHelp(b, t, failing)
		}
	}

	if failing.SharedBefore != nil {
		b.WriteString("### Input envelope\n\n")
		writeJSONBlock(b, failing.SharedBefore)
	}

	if failing.Stderr != "" {
		b.WriteString("### stderr\n\n")
		fmt.Fprintf(b, "```\n%s\n```\n\n", failing.Stderr)
	}
}

// renderTemplateHelp shows the structure of the upstream node's output so
// the caller can correct the reference in one pass
func renderTemplateHelp(b *strings.Builder, t *Trace, failing *NodeEvent) {
	if len(failing.Error.AvailableFields) > 0 {
		b.WriteString("### Available fields\n\n")
		for _, f := range failing.Error.AvailableFields {
			fmt.Fprintf(b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	// The last successful node upstream usually owns the referenced output
	for i := len(t.Nodes) - 1; i >= 0; i-- {
		ev := t.Nodes[i]
		if ev.NodeID == failing.NodeID || !ev.Success {
			continue
		}
		if ns, ok := ev.SharedAfter[ev.NodeID].(map[string]any); ok {
			fmt.Fprintf(b, "### Output structure of `%s`\n\n", ev.NodeID)
			writeJSONBlock(b, ns)
		}
		break
	}
}

func failingNode(t *Trace) *NodeEvent {
	for i := len(t.Nodes) - 1; i >= 0; i-- {
		if !t.Nodes[i].Success {
			return &t.Nodes[i]
		}
	}
	return nil
}

func writeJSONBlock(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(b, "```\n%v\n```\n\n", v)
		return
	}
	fmt.Fprintf(b, "```json\n%s\n```\n\n", data)
}
