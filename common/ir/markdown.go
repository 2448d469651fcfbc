package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Markdown serialization: YAML frontmatter carries workflow metadata,
// the body carries one section per node plus an edges section. The two
// forms are equivalent; JSON -> Markdown -> JSON is the identity modulo
// whitespace.
//
//	---
//	name: fetch-report
//	start_node: fetch
//	---
//
//	## fetch (http)
//
//	- retries: 2
//	- wait_ms: 500
//
//	```json
//	{"url": "${inputs.url}"}
//	```
//
//	## edges
//
//	- fetch -> report
//	- fetch -> report [error]

const frontmatterDelim = "---"

var (
	nodeHeading = regexp.MustCompile(`^## ([^ ]+) \(([^)]+)\)$`)
	edgeLine    = regexp.MustCompile(`^- ([^ ]+) -> ([^ ]+)(?: \[([^\]]+)\])?$`)
	numBullet   = regexp.MustCompile(`^- (retries|wait_ms|timeout_ms): (\d+)$`)
	batchBullet = regexp.MustCompile(`^- batch: (\{.*\})$`)
)

// EncodeMarkdown renders the Markdown-with-frontmatter form
func (w *Workflow) EncodeMarkdown() ([]byte, error) {
	var b bytes.Buffer

	meta, err := yaml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode workflow frontmatter: %w", err)
	}
	b.WriteString(frontmatterDelim + "\n")
	b.Write(meta)
	b.WriteString(frontmatterDelim + "\n\n")

	for i := range w.Nodes {
		n := &w.Nodes[i]
		fmt.Fprintf(&b, "## %s (%s)\n\n", n.ID, n.Type)

		if n.MaxRetries > 0 {
			fmt.Fprintf(&b, "- retries: %d\n", n.MaxRetries)
		}
		if n.WaitMS > 0 {
			fmt.Fprintf(&b, "- wait_ms: %d\n", n.WaitMS)
		}
		if n.TimeoutMS > 0 {
			fmt.Fprintf(&b, "- timeout_ms: %d\n", n.TimeoutMS)
		}
		if n.Batch != nil {
			batch, err := json.Marshal(n.Batch)
			if err != nil {
				return nil, fmt.Errorf("encode batch for node %q: %w", n.ID, err)
			}
			fmt.Fprintf(&b, "- batch: %s\n", batch)
		}
		if n.MaxRetries > 0 || n.WaitMS > 0 || n.TimeoutMS > 0 || n.Batch != nil {
			b.WriteString("\n")
		}

		if len(n.Params) > 0 {
			params, err := json.MarshalIndent(n.Params, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encode params for node %q: %w", n.ID, err)
			}
			fmt.Fprintf(&b, "```json\n%s\n```\n\n", params)
		}
	}

	b.WriteString("## edges\n\n")
	for _, e := range w.Edges {
		if e.Action != "" && e.Action != DefaultAction {
			fmt.Fprintf(&b, "- %s -> %s [%s]\n", e.From, e.To, e.Action)
		} else {
			fmt.Fprintf(&b, "- %s -> %s\n", e.From, e.To)
		}
	}

	return b.Bytes(), nil
}

// ParseMarkdown decodes the Markdown-with-frontmatter form
func ParseMarkdown(data []byte) (*Workflow, error) {
	meta, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, err
	}

	wf := &Workflow{Nodes: []NodeSpec{}, Edges: []Edge{}}
	if err := yaml.Unmarshal([]byte(meta), wf); err != nil {
		return nil, fmt.Errorf("parse workflow frontmatter: %w", err)
	}

	var current *NodeSpec
	inEdges := false
	lines := strings.Split(body, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")

		switch {
		case line == "## edges":
			current = nil
			inEdges = true

		case nodeHeading.MatchString(line):
			m := nodeHeading.FindStringSubmatch(line)
			wf.Nodes = append(wf.Nodes, NodeSpec{ID: m[1], Type: m[2]})
			current = &wf.Nodes[len(wf.Nodes)-1]
			inEdges = false

		case inEdges && edgeLine.MatchString(line):
			m := edgeLine.FindStringSubmatch(line)
			wf.Edges = append(wf.Edges, Edge{From: m[1], To: m[2], Action: m[3]})

		case current != nil && numBullet.MatchString(line):
			m := numBullet.FindStringSubmatch(line)
			v, _ := strconv.Atoi(m[2])
			switch m[1] {
			case "retries":
				current.MaxRetries = v
			case "wait_ms":
				current.WaitMS = v
			case "timeout_ms":
				current.TimeoutMS = v
			}

		case current != nil && batchBullet.MatchString(line):
			m := batchBullet.FindStringSubmatch(line)
			var batch BatchSpec
			if err := json.Unmarshal([]byte(m[1]), &batch); err != nil {
				return nil, fmt.Errorf("parse batch for node %q: %w", current.ID, err)
			}
			current.Batch = &batch

		case current != nil && line == "```json":
			var block []string
			for i++; i < len(lines); i++ {
				if strings.TrimRight(lines[i], " \t") == "```" {
					break
				}
				block = append(block, lines[i])
			}
			var params map[string]any
			if err := json.Unmarshal([]byte(strings.Join(block, "\n")), &params); err != nil {
				return nil, fmt.Errorf("parse params for node %q: %w", current.ID, err)
			}
			current.Params = params
		}
	}

	return wf, nil
}

func splitFrontmatter(doc string) (meta, body string, err error) {
	trimmed := strings.TrimLeft(doc, "\n")
	if !strings.HasPrefix(trimmed, frontmatterDelim+"\n") {
		return "", "", fmt.Errorf("workflow markdown is missing the frontmatter block")
	}
	rest := trimmed[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return "", "", fmt.Errorf("workflow markdown frontmatter is not closed")
	}
	meta = rest[:end+1]
	body = rest[end+len(frontmatterDelim)+1:]
	return meta, body, nil
}

// ParseFile decodes a workflow from either serialization based on a
// filename hint: .md parses as Markdown, anything else as JSON
func ParseFile(name string, data []byte) (*Workflow, error) {
	if strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".markdown") {
		return ParseMarkdown(data)
	}
	return ParseJSON(data)
}
