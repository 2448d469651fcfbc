// Package discovery answers free-form intent queries against an offline
// index of registered node interfaces and saved-workflow metadata. The
// registry owns the source of truth; this package only ranks it.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/nodes"
	"github.com/lyzr/flowrunner/common/registry"
)

// WorkflowMeta is the trace-less metadata of one saved workflow
type WorkflowMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
}

// Candidate is one ranked result. Node candidates carry their complete
// interface so a caller can wire them without a second lookup.
type Candidate struct {
	Kind        string              `json:"kind"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Paths       []string            `json:"paths,omitempty"`
	Interface   *registry.Interface `json:"interface,omitempty"`
	Score       float64             `json:"score"`
}

// Index ranks registry entries and saved workflows against intents
type Index struct {
	reg       *registry.Registry
	workflows []WorkflowMeta
	chat      nodes.ChatClient
	log       *logger.Logger
}

// NewIndex builds an index. chat is optional; when present the top
// candidates are reranked by the model.
func NewIndex(reg *registry.Registry, workflows []WorkflowMeta, chat nodes.ChatClient, log *logger.Logger) *Index {
	if log == nil {
		log = logger.Nop()
	}
	return &Index{reg: reg, workflows: workflows, chat: chat, log: log}
}

const rerankWindow = 10

// Query scores every candidate against the intent and returns the top K
func (i *Index) Query(ctx context.Context, intent string, topK int) []Candidate {
	if topK <= 0 {
		topK = 5
	}
	terms := tokenize(intent)

	var candidates []Candidate
	for _, summary := range i.reg.List("") {
		iface := i.reg.Interface(summary.Name)
		c := Candidate{
			Kind:        "node",
			Name:        summary.Name,
			Description: summary.Description,
			Interface:   iface,
		}
		if iface != nil {
			c.Paths = iface.WritePaths()
		}
		c.Score = score(terms, intent, c.Name, c.Description, c.Paths)
		candidates = append(candidates, c)
	}
	for _, wf := range i.workflows {
		c := Candidate{
			Kind:        "workflow",
			Name:        wf.Name,
			Description: wf.Description,
			Paths:       wf.Inputs,
		}
		c.Score = score(terms, intent, c.Name, c.Description, c.Paths)
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Score != candidates[b].Score {
			return candidates[a].Score > candidates[b].Score
		}
		return candidates[a].Name < candidates[b].Name
	})

	if i.chat != nil {
		candidates = i.rerank(ctx, intent, candidates)
	}

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// score blends exact term overlap with fuzzy similarity; overlap on the
// name weighs heaviest, then description, then the writes/inputs paths
func score(terms []string, intent, name, description string, paths []string) float64 {
	var s float64
	lowerName := strings.ToLower(name)
	lowerDesc := strings.ToLower(description)
	joined := strings.ToLower(strings.Join(paths, " "))

	for _, term := range terms {
		if strings.Contains(lowerName, term) {
			s += 3
		}
		if strings.Contains(lowerDesc, term) {
			s += 2
		}
		if strings.Contains(joined, term) {
			s += 1
		}
	}

	if matches := fuzzy.Find(intent, []string{lowerName + " " + lowerDesc}); len(matches) > 0 {
		s += float64(matches[0].Score) / 100
	}
	return s
}

// rerank asks the model to reorder the top window; candidates outside
// the window and any model failure leave the lexical order untouched
func (i *Index) rerank(ctx context.Context, intent string, candidates []Candidate) []Candidate {
	window := rerankWindow
	if window > len(candidates) {
		window = len(candidates)
	}
	if window < 2 {
		return candidates
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rank these workflow building blocks by relevance to the request.\nRequest: %s\n\nCandidates:\n", intent)
	for _, c := range candidates[:window] {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\nAnswer with the candidate names only, most relevant first, comma-separated.")

	resp, err := i.chat.Complete(ctx, nodes.ChatRequest{
		Model:  "gpt-4o-mini",
		Prompt: b.String(),
	})
	if err != nil {
		i.log.Warn("discovery rerank failed, keeping lexical order", "error", err)
		return candidates
	}

	byName := map[string]Candidate{}
	for _, c := range candidates[:window] {
		byName[c.Name] = c
	}
	var reordered []Candidate
	seen := map[string]bool{}
	for _, raw := range strings.Split(resp.Text, ",") {
		name := strings.TrimSpace(strings.ToLower(raw))
		if c, ok := byName[name]; ok && !seen[name] {
			reordered = append(reordered, c)
			seen[name] = true
		}
	}
	// Anything the model dropped keeps its lexical position at the tail
	for _, c := range candidates[:window] {
		if !seen[c.Name] {
			reordered = append(reordered, c)
		}
	}
	return append(reordered, candidates[window:]...)
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
