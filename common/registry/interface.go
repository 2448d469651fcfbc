// Package registry maintains the catalog of node implementations. Each
// node carries a static Interface extracted from a structured block in its
// doc text: declared reads, a typed writes tree, params with defaults, and
// the actions its post phase can emit. The tool-protocol client registers
// synthetic entries at startup; everything else self-registers or is
// discovered by scanning a directory tree.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The closed type set for interface declarations. Unions join members
// with "|".
var validTypes = map[string]bool{
	"string": true,
	"int":    true,
	"float":  true,
	"bool":   true,
	"dict":   true,
	"list":   true,
	"bytes":  true,
	"null":   true,
	"any":    true,
}

// maxWriteDepth bounds the nested writes tree
const maxWriteDepth = 5

// Interface is the static contract of a node
type Interface struct {
	Description string       `json:"description,omitempty"`
	Reads       []ReadDecl   `json:"reads,omitempty"`
	Writes      []WriteDecl  `json:"writes,omitempty"`
	Params      []ParamDecl  `json:"params,omitempty"`
	Actions     []ActionDecl `json:"actions,omitempty"`
}

// ReadDecl declares a shared-store path the node consumes
type ReadDecl struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Comment string `json:"comment,omitempty"`
}

// WriteDecl declares a produced key; children form the nested structure
// used for template path validation and discovery suggestions
type WriteDecl struct {
	Key      string      `json:"key"`
	Type     string      `json:"type"`
	Comment  string      `json:"comment,omitempty"`
	Children []WriteDecl `json:"children,omitempty"`
}

// ParamDecl declares a constructor param with an optional default
type ParamDecl struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
	HasDef  bool   `json:"has_default,omitempty"`
	Stdin   bool   `json:"stdin,omitempty"`
}

// Required reports whether the param must be supplied: no default, not
// nullable, not fed by piped stdin
func (p ParamDecl) Required() bool {
	return !p.HasDef && !p.Stdin && !strings.Contains(p.Type, "null")
}

// ActionDecl declares an action the post phase can return
type ActionDecl struct {
	Name string `json:"name"`
	When string `json:"when,omitempty"`
}

// WritePaths flattens the writes tree to sorted dotted paths
func (i *Interface) WritePaths() []string {
	var out []string
	var rec func(prefix string, decls []WriteDecl)
	rec = func(prefix string, decls []WriteDecl) {
		for _, d := range decls {
			path := d.Key
			if prefix != "" {
				path = prefix + "." + d.Key
			}
			out = append(out, path)
			rec(path, d.Children)
		}
	}
	rec("", i.Writes)
	sort.Strings(out)
	return out
}

// RequiredParams lists params without defaults, sorted
func (i *Interface) RequiredParams() []string {
	var out []string
	for _, p := range i.Params {
		if p.Required() {
			out = append(out, p.Name)
		}
	}
	sort.Strings(out)
	return out
}

// ActionNames lists declared actions in declaration order
func (i *Interface) ActionNames() []string {
	out := make([]string, 0, len(i.Actions))
	for _, a := range i.Actions {
		out = append(out, a.Name)
	}
	return out
}

// ParseInterface extracts an Interface from doc text. The grammar is
// line-oriented; everything before the "Interface:" marker becomes the
// description.
func ParseInterface(doc string) (*Interface, error) {
	lines := strings.Split(doc, "\n")

	iface := &Interface{}
	var desc []string
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "Interface:" {
			start = i
			break
		}
		desc = append(desc, strings.TrimSpace(line))
	}
	iface.Description = strings.TrimSpace(strings.Join(desc, " "))
	if start < 0 {
		return iface, nil
	}

	var lastWrite *WriteDecl
	var writeStack []*WriteDecl

	for _, raw := range lines[start+1:] {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indent := countIndent(raw)
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "- Reads:") {
			decl, err := parseSharedDecl(strings.TrimPrefix(line, "- Reads:"))
			if err != nil {
				return nil, fmt.Errorf("parse Reads line %q: %w", line, err)
			}
			iface.Reads = append(iface.Reads, ReadDecl(decl))
			lastWrite = nil
			continue
		}

		if strings.HasPrefix(line, "- Writes:") {
			decl, err := parseSharedDecl(strings.TrimPrefix(line, "- Writes:"))
			if err != nil {
				return nil, fmt.Errorf("parse Writes line %q: %w", line, err)
			}
			iface.Writes = append(iface.Writes, WriteDecl{Key: decl.Path, Type: decl.Type, Comment: decl.Comment})
			lastWrite = &iface.Writes[len(iface.Writes)-1]
			writeStack = []*WriteDecl{lastWrite}
			continue
		}

		if strings.HasPrefix(line, "- Params:") {
			param, err := parseParamDecl(strings.TrimPrefix(line, "- Params:"))
			if err != nil {
				return nil, fmt.Errorf("parse Params line %q: %w", line, err)
			}
			iface.Params = append(iface.Params, param)
			lastWrite = nil
			continue
		}

		if strings.HasPrefix(line, "- Actions:") {
			iface.Actions = append(iface.Actions, parseActions(strings.TrimPrefix(line, "- Actions:"))...)
			lastWrite = nil
			continue
		}

		// Nested write: 2-space indent per level under the parent Writes
		if strings.HasPrefix(line, "- ") && lastWrite != nil && indent >= 4 {
			depth := indent/2 - 1 // first nesting level sits at 4 spaces
			if depth > maxWriteDepth {
				return nil, fmt.Errorf("writes nesting exceeds max depth %d: %q", maxWriteDepth, line)
			}
			decl, err := parseSubWrite(strings.TrimPrefix(line, "- "))
			if err != nil {
				return nil, fmt.Errorf("parse nested write %q: %w", line, err)
			}
			for len(writeStack) > depth {
				writeStack = writeStack[:len(writeStack)-1]
			}
			if len(writeStack) == 0 {
				return nil, fmt.Errorf("nested write without parent: %q", line)
			}
			parent := writeStack[len(writeStack)-1]
			parent.Children = append(parent.Children, decl)
			writeStack = append(writeStack, &parent.Children[len(parent.Children)-1])
			continue
		}

		return nil, fmt.Errorf("unrecognized interface line: %q", line)
	}

	return iface, nil
}

func countIndent(line string) int {
	n := 0
	for _, r := range line {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

type sharedDecl struct {
	Path    string
	Type    string
	Comment string
}

// parseSharedDecl parses `shared["<path>"]: <type>  # comment`
func parseSharedDecl(s string) (sharedDecl, error) {
	s, comment := splitComment(s)
	s = strings.TrimSpace(s)

	const prefix = `shared["`
	if !strings.HasPrefix(s, prefix) {
		return sharedDecl{}, fmt.Errorf(`expected shared["..."] form`)
	}
	rest := s[len(prefix):]
	end := strings.Index(rest, `"]`)
	if end < 0 {
		return sharedDecl{}, fmt.Errorf("unterminated shared key")
	}
	path := rest[:end]
	rest = strings.TrimSpace(rest[end+2:])
	if !strings.HasPrefix(rest, ":") {
		return sharedDecl{}, fmt.Errorf("missing type annotation")
	}
	typ := strings.TrimSpace(rest[1:])
	if err := checkType(typ); err != nil {
		return sharedDecl{}, err
	}
	return sharedDecl{Path: path, Type: typ, Comment: comment}, nil
}

// parseSubWrite parses `<sub_key>: <type>  # comment`
func parseSubWrite(s string) (WriteDecl, error) {
	s, comment := splitComment(s)
	key, typ, ok := strings.Cut(s, ":")
	if !ok {
		return WriteDecl{}, fmt.Errorf("missing type annotation")
	}
	key = strings.TrimSpace(key)
	typ = strings.TrimSpace(typ)
	if key == "" {
		return WriteDecl{}, fmt.Errorf("empty key")
	}
	if err := checkType(typ); err != nil {
		return WriteDecl{}, err
	}
	return WriteDecl{Key: key, Type: typ, Comment: comment}, nil
}

// parseParamDecl parses `<name>: <type>  # default <value>, stdin if piped`
func parseParamDecl(s string) (ParamDecl, error) {
	s, comment := splitComment(s)
	name, typ, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ParamDecl{}, fmt.Errorf("missing type annotation")
	}
	param := ParamDecl{Name: strings.TrimSpace(name), Type: strings.TrimSpace(typ)}
	if param.Name == "" {
		return ParamDecl{}, fmt.Errorf("empty param name")
	}
	if err := checkType(param.Type); err != nil {
		return ParamDecl{}, err
	}

	for _, part := range strings.Split(comment, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "default ") {
			param.Default = parseDefault(strings.TrimPrefix(part, "default "), param.Type)
			param.HasDef = true
		}
		if strings.HasPrefix(part, "stdin") {
			param.Stdin = true
		}
	}
	return param, nil
}

func parseDefault(raw, typ string) any {
	raw = strings.TrimSpace(raw)
	base, _, _ := strings.Cut(typ, "|")
	switch base {
	case "int":
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	case "float":
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case "bool":
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return strings.Trim(raw, `"`)
}

// parseActions parses `name (when), name (when), ...`
func parseActions(s string) []ActionDecl {
	var out []ActionDecl
	for _, part := range splitActions(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		when := ""
		if open := strings.Index(part, "("); open >= 0 {
			name = strings.TrimSpace(part[:open])
			when = strings.TrimSuffix(strings.TrimSpace(part[open+1:]), ")")
		}
		out = append(out, ActionDecl{Name: name, When: when})
	}
	return out
}

// splitActions splits on commas outside parentheses
func splitActions(s string) []string {
	var parts []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

func splitComment(s string) (string, string) {
	if i := strings.Index(s, "#"); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s), ""
}

// checkType validates a type against the closed set, allowing unions
func checkType(typ string) error {
	if typ == "" {
		return fmt.Errorf("empty type")
	}
	for _, member := range strings.Split(typ, "|") {
		if !validTypes[strings.TrimSpace(member)] {
			return fmt.Errorf("unknown type %q", strings.TrimSpace(member))
		}
	}
	return nil
}
