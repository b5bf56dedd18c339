package kiln

import (
	"fmt"
	"slices"
	"sort"

	"github.com/tidwall/sjson"
)

// SnapshotJSON renders the registry's current state as JSON for
// diagnostics: components in registration order with their recorded
// edges, pending early references, in-flight creations, disposal order,
// and cycle-memo statistics.
func (r *Registry) SnapshotJSON() ([]byte, error) {
	r.cacheMu.RLock()
	order := slices.Clone(r.order)
	types := make(map[string]string, len(r.finished))
	for key, instance := range r.finished {
		types[key] = fmt.Sprintf("%T", instance)
	}
	earlyKeys := make([]string, 0, len(r.early))
	for key := range r.early {
		earlyKeys = append(earlyKeys, key)
	}
	factoryKeys := make([]string, 0, len(r.factories))
	for key := range r.factories {
		factoryKeys = append(factoryKeys, key)
	}
	r.cacheMu.RUnlock()
	sort.Strings(earlyKeys)
	sort.Strings(factoryKeys)

	r.disposalMu.Lock()
	disposalOrder := slices.Clone(r.disposalOrder)
	r.disposalMu.Unlock()

	out := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}

	set("policy", r.lockPolicy.String())
	set("disposing", r.disposing.Load())
	set("counts.finished", len(order))
	set("counts.early", len(earlyKeys))
	set("counts.factories", len(factoryKeys))
	for _, key := range order {
		set("components.-1", map[string]any{
			"key":          key,
			"type":         types[key],
			"dependents":   orEmpty(r.DependentsOf(key)),
			"dependencies": orEmpty(r.DependenciesOf(key)),
		})
	}
	set("early", orEmpty(earlyKeys))
	set("factories", orEmpty(factoryKeys))
	set("in_creation", orEmpty(r.InCreation()))
	set("disposal_order", orEmpty(disposalOrder))
	stats := r.graph.MemoStats()
	set("cycle_memo.hits", stats.Hits)
	set("cycle_memo.misses", stats.Misses)

	if err != nil {
		return nil, fmt.Errorf("kiln: snapshot: %w", err)
	}
	return out, nil
}

// orEmpty keeps absent string lists rendering as [] instead of null.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
