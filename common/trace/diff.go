package trace

import (
	"reflect"
	"sort"
)

// Mutations records the shared-store delta of one node run, keyed by
// dotted node_id.key paths
type Mutations struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// DiffSnapshots computes the mutation set between two store snapshots.
// Comparison is two levels deep (namespace, then key); deeper changes
// surface as a modified key.
func DiffSnapshots(before, after map[string]any) Mutations {
	var m Mutations

	beforeKeys := flattenKeys(before)
	afterKeys := flattenKeys(after)

	for key, afterVal := range afterKeys {
		beforeVal, existed := beforeKeys[key]
		if !existed {
			m.Added = append(m.Added, key)
			continue
		}
		if !reflect.DeepEqual(beforeVal, afterVal) {
			m.Modified = append(m.Modified, key)
		}
	}
	for key := range beforeKeys {
		if _, exists := afterKeys[key]; !exists {
			m.Removed = append(m.Removed, key)
		}
	}

	sort.Strings(m.Added)
	sort.Strings(m.Removed)
	sort.Strings(m.Modified)
	return m
}

func flattenKeys(snap map[string]any) map[string]any {
	out := make(map[string]any)
	for rootKey, rootVal := range snap {
		ns, ok := rootVal.(map[string]any)
		if !ok {
			out[rootKey] = rootVal
			continue
		}
		for key, val := range ns {
			out[rootKey+"."+key] = val
		}
	}
	return out
}

// Empty reports whether no mutations occurred
func (m Mutations) Empty() bool {
	return len(m.Added) == 0 && len(m.Removed) == 0 && len(m.Modified) == 0
}
