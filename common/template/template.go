// Package template resolves ${path.to.value} references against a
// read-only view of the shared store. A pure reference (the entire string
// is exactly one ${...} token) yields the referenced value in its original
// type; an interpolated string renders every reference to text and
// concatenates. Resolution is single-pass: resolved values are never
// re-scanned for nested references.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Ref is one ${...} token found in a template string
type Ref struct {
	// Token is the full ${...} text
	Token string
	// Path is the inner dotted path, e.g. "a.b[0].c"
	Path string
}

// Refs returns every reference token in s, in order of appearance
func Refs(s string) []Ref {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{Token: m[0], Path: strings.TrimSpace(m[1])})
	}
	return refs
}

// HasRef reports whether s contains at least one reference token
func HasRef(s string) bool {
	return refPattern.MatchString(s)
}

// IsPure reports whether s is exactly one ${...} token and nothing else
func IsPure(s string) bool {
	m := refPattern.FindString(s)
	return m != "" && m == s
}

// Segment is one step of a parsed path: a key plus zero or more indexes
type Segment struct {
	Key     string
	Indexes []int
}

// ParsePath splits a dotted path with optional [n] indexes into segments
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(path, ".")
	segs := make([]Segment, 0, len(parts))
	for _, part := range parts {
		key := part
		var indexes []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			closing := strings.IndexByte(key[open:], ']')
			if closing < 0 {
				return nil, fmt.Errorf("unbalanced index in path segment %q", part)
			}
			idxStr := key[open+1 : open+closing]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("invalid index %q in path segment %q", idxStr, part)
			}
			indexes = append(indexes, idx)
			key = key[:open] + key[open+closing+1:]
		}
		if key == "" && len(indexes) == 0 {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		segs = append(segs, Segment{Key: key, Indexes: indexes})
	}
	return segs, nil
}

// Head returns the first path component (the node id or root key)
func Head(path string) string {
	segs, err := ParsePath(path)
	if err != nil || len(segs) == 0 {
		return ""
	}
	return segs[0].Key
}

// Lookup resolves a dotted path against a view without template syntax.
// Used for declared-reads capture where type preservation matters.
func Lookup(view map[string]any, path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	value, _, ok := walk(view, segs)
	return value, ok
}

// walk resolves segments against a native value tree. It returns the value,
// how many segments resolved, and whether the full path resolved. A nil
// value stored under the final key counts as resolved.
func walk(root any, segs []Segment) (any, int, bool) {
	current := root
	for i, seg := range segs {
		if seg.Key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, i, false
			}
			v, exists := m[seg.Key]
			if !exists {
				return nil, i, false
			}
			current = v
		}
		for _, idx := range seg.Indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, i, false
			}
			current = arr[idx]
		}
	}
	return current, len(segs), true
}

// Stringify renders a value for interpolation: JSON for containers,
// natural decimals for numbers, true/false for booleans, "" for nil
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
