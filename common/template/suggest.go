package template

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/tidwall/gjson"

	"github.com/lyzr/flowrunner/common/flowerr"
)

const (
	maxSiblings    = 20
	maxSuggestions = 3
)

// unresolvedError builds the contract-mandated template error: the
// offending token, the available sibling keys at the last resolvable
// prefix, and the best fuzzy matches over those keys. Agents parse this
// format for self-repair, so the shape is stable.
func unresolvedError(ref Ref, segs []Segment, resolvedDepth int, view map[string]any, nodeID string) *flowerr.Error {
	prefix := joinSegments(segs[:resolvedDepth])
	siblings := siblingKeys(view, segs[:resolvedDepth], prefix)

	var missing string
	if resolvedDepth < len(segs) {
		missing = segs[resolvedDepth].Key
	}

	err := flowerr.New(flowerr.CategoryTemplate, "cannot resolve %s: %q not found under %q", ref.Token, missing, prefixOrRoot(prefix)).
		WithNode(nodeID).
		WithFields(siblings)

	if best := bestMatches(missing, siblings); len(best) > 0 {
		full := make([]string, len(best))
		for i, b := range best {
			if prefix == "" {
				full[i] = b
			} else {
				full[i] = prefix + "." + b
			}
		}
		err = err.WithSuggestion("did you mean ${%s}?", strings.Join(full, "} or ${"))
	} else {
		err = err.WithSuggestion("check the writes declared by upstream nodes")
	}
	return err
}

func prefixOrRoot(prefix string) string {
	if prefix == "" {
		return "shared"
	}
	return prefix
}

func joinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		p := s.Key
		for _, idx := range s.Indexes {
			p += "[" + itoa(idx) + "]"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

func itoa(i int) string {
	data, _ := json.Marshal(i)
	return string(data)
}

// siblingKeys lists the keys available at the last resolvable prefix,
// sorted and capped at maxSiblings. The walk goes through gjson so array
// elements and nested objects enumerate uniformly.
func siblingKeys(view map[string]any, resolved []Segment, prefix string) []string {
	data, err := json.Marshal(view)
	if err != nil {
		return nil
	}

	target := gjson.ParseBytes(data)
	if prefix != "" {
		target = gjson.GetBytes(data, gjsonPath(resolved))
		if !target.Exists() {
			return nil
		}
	}

	var keys []string
	if target.IsObject() {
		target.ForEach(func(key, _ gjson.Result) bool {
			keys = append(keys, key.String())
			return true
		})
	} else if target.IsArray() {
		n := int(target.Get("#").Int())
		for i := 0; i < n && i < maxSiblings; i++ {
			keys = append(keys, "["+itoa(i)+"]")
		}
	}

	sort.Strings(keys)
	if len(keys) > maxSiblings {
		keys = keys[:maxSiblings]
	}
	return keys
}

// gjsonPath converts parsed segments to gjson syntax (indexes become
// dotted numerics)
func gjsonPath(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.Key != "" {
			parts = append(parts, s.Key)
		}
		for _, idx := range s.Indexes {
			parts = append(parts, itoa(idx))
		}
	}
	return strings.Join(parts, ".")
}

// bestMatches returns up to maxSuggestions fuzzy matches for the missing
// key among the available siblings
func bestMatches(missing string, siblings []string) []string {
	if missing == "" || len(siblings) == 0 {
		return nil
	}
	matches := fuzzy.Find(missing, siblings)
	out := make([]string, 0, maxSuggestions)
	for _, m := range matches {
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	if len(out) > 0 {
		return out
	}
	// Fall back to substring containment when fuzzy finds nothing
	lower := strings.ToLower(missing)
	for _, s := range siblings {
		if strings.Contains(strings.ToLower(s), lower) || strings.Contains(lower, strings.ToLower(s)) {
			out = append(out, s)
			if len(out) == maxSuggestions {
				break
			}
		}
	}
	return out
}

// PathExists reports whether a dotted path resolves inside a JSON-shaped
// value tree. The validator uses this for declared write-path checks.
func PathExists(view map[string]any, path string) bool {
	segs, err := ParsePath(path)
	if err != nil {
		return false
	}
	_, _, ok := walk(view, segs)
	return ok
}
