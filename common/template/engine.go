package template

import (
	"strings"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
)

// inputsKey is the root key holding workflow inputs; must match
// store.KeyInputs
const inputsKey = "inputs"

// Engine resolves template references against a read-only store view
type Engine struct {
	Mode config.ResolutionMode
}

// NewEngine creates an engine with the given resolution mode
func NewEngine(mode config.ResolutionMode) *Engine {
	if mode == "" {
		mode = config.ResolutionStrict
	}
	return &Engine{Mode: mode}
}

// Resolution records one substituted reference for the trace
type Resolution struct {
	Token string `json:"token"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Result carries the outcome of resolving one params tree
type Result struct {
	Resolutions []Resolution
	Warnings    []string
}

// ResolveParams resolves every template reference in a params tree and
// returns a resolved copy. The original map is never mutated.
func (e *Engine) ResolveParams(params map[string]any, view map[string]any, nodeID string) (map[string]any, *Result, error) {
	res := &Result{}
	if len(params) == 0 {
		return map[string]any{}, res, nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		out, err := e.resolveValue(value, view, nodeID, res)
		if err != nil {
			return nil, nil, err
		}
		resolved[key] = out
	}
	return resolved, res, nil
}

// ResolveString resolves a single template string
func (e *Engine) ResolveString(s string, view map[string]any, nodeID string) (any, *Result, error) {
	res := &Result{}
	out, err := e.resolveString(s, view, nodeID, res)
	if err != nil {
		return nil, nil, err
	}
	return out, res, nil
}

func (e *Engine) resolveValue(value any, view map[string]any, nodeID string, res *Result) (any, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(v, view, nodeID, res)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := e.resolveValue(item, view, nodeID, res)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := e.resolveValue(item, view, nodeID, res)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		// Primitives pass through untouched
		return value, nil
	}
}

func (e *Engine) resolveString(s string, view map[string]any, nodeID string, res *Result) (any, error) {
	if !HasRef(s) {
		return s, nil
	}

	// Pure reference: preserve the referenced value's type
	if IsPure(s) {
		ref := Refs(s)[0]
		lr, err := e.lookup(ref, view, nodeID)
		if err != nil {
			return nil, err
		}
		if !lr.found && !lr.quiet {
			res.Warnings = append(res.Warnings, "unresolved reference "+ref.Token+" became null")
		}
		res.Resolutions = append(res.Resolutions, Resolution{Token: ref.Token, Path: ref.Path, Value: lr.value})
		return lr.value, nil
	}

	// Interpolation: every reference renders to text; nil renders to ""
	result := s
	for _, ref := range Refs(s) {
		lr, err := e.lookup(ref, view, nodeID)
		if err != nil {
			return nil, err
		}
		var text string
		if lr.found {
			text = Stringify(lr.value)
		} else if !lr.quiet {
			res.Warnings = append(res.Warnings, "unresolved reference "+ref.Token+" became empty string")
		}
		res.Resolutions = append(res.Resolutions, Resolution{Token: ref.Token, Path: ref.Path, Value: lr.value})
		result = strings.Replace(result, ref.Token, text, 1)
	}
	return result, nil
}

// lookupResult is one reference resolution. quiet marks a missing
// optional input: it resolves empty without a warning in either mode.
type lookupResult struct {
	value any
	found bool
	quiet bool
}

// lookup resolves one reference. A missing node-output path is an error
// in strict mode and a miss-with-warning in permissive mode. A missing
// workflow input (a bare ${name} or an ${inputs.name} path) is never an
// error: inputs are optional params, so the miss resolves to null or ""
// silently. A path that resolves to an explicit nil is found: pure
// references may legitimately carry null.
func (e *Engine) lookup(ref Ref, view map[string]any, nodeID string) (lookupResult, error) {
	segs, err := ParsePath(ref.Path)
	if err != nil {
		return lookupResult{}, flowerr.Wrap(flowerr.CategoryTemplate, err, "malformed reference %s", ref.Token).
			WithNode(nodeID).
			WithSuggestion("use the form ${node_id.key} or ${node_id.key[0].sub}")
	}

	value, resolvedDepth, ok := walk(view, segs)
	if ok {
		return lookupResult{value: value, found: true}, nil
	}

	// Bare single-segment references fall back to the workflow inputs
	if len(segs) == 1 {
		if inputs, isMap := view[inputsKey].(map[string]any); isMap {
			if v, present := inputs[segs[0].Key]; present {
				return lookupResult{value: v, found: true}, nil
			}
		}
		return lookupResult{quiet: true}, nil
	}
	if segs[0].Key == inputsKey {
		return lookupResult{quiet: true}, nil
	}

	if e.Mode == config.ResolutionPermissive {
		return lookupResult{}, nil
	}

	return lookupResult{}, unresolvedError(ref, segs, resolvedDepth, view, nodeID)
}
