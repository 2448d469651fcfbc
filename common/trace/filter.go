package trace

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/flowrunner/common/config"
)

const truncMarker = "...<truncated>"

// binarySuffix marks the sibling flag of the binary data contract
const binarySuffix = "_is_binary"

// Filter applies truncation limits and binary redaction to a snapshot.
// It is idempotent: filtering an already-filtered snapshot is a no-op.
type Filter struct {
	cfg config.TraceConfig
}

// NewFilter creates a filter from trace config
func NewFilter(cfg config.TraceConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Snapshot filters a whole store snapshot
func (f *Filter) Snapshot(snap map[string]any) map[string]any {
	if snap == nil {
		return nil
	}
	out, _ := f.filterMap(snap, f.cfg.StoreMax)
	return out
}

// Prompt truncates an LLM prompt
func (f *Filter) Prompt(s string) string { return f.truncate(s, f.cfg.PromptMax) }

// Response truncates an LLM response
func (f *Filter) Response(s string) string { return f.truncate(s, f.cfg.ResponseMax) }

func (f *Filter) filterValue(v any, maxLen int) any {
	switch val := v.(type) {
	case map[string]any:
		out, _ := f.filterMap(val, maxLen)
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = f.filterValue(item, maxLen)
		}
		return out
	case string:
		return f.truncate(val, maxLen)
	default:
		return v
	}
}

// filterMap redacts binary values (identified by their <key>_is_binary
// sibling flag), caps the number of keys at DictMax, and recurses
func (f *Filter) filterMap(m map[string]any, maxLen int) (map[string]any, bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	capped := false
	limit := f.cfg.DictMax
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		capped = true
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if flag, ok := m[k+binarySuffix].(bool); ok && flag {
			if s, ok := m[k].(string); ok {
				out[k] = redactBinary(s)
				continue
			}
		}
		out[k] = f.filterValue(m[k], maxLen)
	}
	if capped {
		out["__elided_keys__"] = len(m) - limit
	}
	return out, capped
}

func (f *Filter) truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	// Already-truncated values pass through so filtering stays idempotent
	if strings.HasSuffix(s, truncMarker) {
		return s
	}
	return s[:maxLen] + truncMarker
}

func redactBinary(b64 string) string {
	if strings.HasPrefix(b64, "<binary data:") {
		return b64
	}
	n := base64.StdEncoding.DecodedLen(len(b64))
	return fmt.Sprintf("<binary data: %d bytes>", n)
}
