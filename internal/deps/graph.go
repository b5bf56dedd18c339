// Package deps maintains the dependency graph between registered
// components. The graph is bidirectional: a forward index answers "who
// depends on this key" and a reverse index answers "what does this key
// depend on". Containment relations are tracked separately but also
// contribute a regular edge, so a container is always torn down before
// the components it encloses.
package deps

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/samber/lo"
)

const (
	memoCounters = 50_000
	memoMaxCost  = 5_000
	memoBuffer   = 64
)

// Graph records directed dependency edges between component keys. An edge
// (owner, dependent) means dependent must be destroyed before owner.
//
// All mutating and querying methods are safe for concurrent use.
type Graph struct {
	mu sync.Mutex

	// dependents maps owner -> keys that depend on it, in first-seen order.
	dependents map[string][]string
	// dependencies maps dependent -> keys it depends on, in first-seen order.
	dependencies map[string][]string
	// contained maps container -> keys it structurally encloses.
	contained map[string][]string

	// gen stamps memo entries; any mutation invalidates prior answers.
	gen  atomic.Uint64
	memo *ristretto.Cache[string, bool]
}

// MemoStats reports reachability memo effectiveness.
type MemoStats struct {
	Hits   uint64
	Misses uint64
	Ratio  float64
}

// New returns an empty Graph.
func New() (*Graph, error) {
	memo, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: memoCounters,
		MaxCost:     memoMaxCost,
		BufferItems: memoBuffer,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("deps: create reach memo: %w", err)
	}
	return &Graph{
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		contained:    make(map[string][]string),
		memo:         memo,
	}, nil
}

// AddEdge records that dependent depends on owner. The call is idempotent;
// it reports whether a new edge was recorded.
func (g *Graph) AddEdge(owner, dependent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if lo.Contains(g.dependents[owner], dependent) {
		return false
	}
	g.dependents[owner] = append(g.dependents[owner], dependent)
	if !lo.Contains(g.dependencies[dependent], owner) {
		g.dependencies[dependent] = append(g.dependencies[dependent], owner)
	}
	g.gen.Add(1)
	return true
}

// AddContained records that container structurally encloses contained, and
// adds the matching edge so container is destroyed before contained.
func (g *Graph) AddContained(contained, container string) {
	g.mu.Lock()
	already := lo.Contains(g.contained[container], contained)
	if !already {
		g.contained[container] = append(g.contained[container], contained)
		g.gen.Add(1)
	}
	g.mu.Unlock()
	if !already {
		g.AddEdge(contained, container)
	}
}

// DependentsOf returns the keys that depend on owner, in first-seen order.
func (g *Graph) DependentsOf(owner string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.dependents[owner])
}

// DependenciesOf returns the keys that dependent depends on, in first-seen
// order.
func (g *Graph) DependenciesOf(dependent string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.dependencies[dependent])
}

// Contained returns the keys structurally enclosed by container.
func (g *Graph) Contained(container string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.contained[container])
}

// HasDependents reports whether any key depends on owner.
func (g *Graph) HasDependents(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.dependents[owner]) > 0
}

// IsTransitivelyDependent reports whether candidate depends on key,
// directly or through any chain of edges. Results are memoized per graph
// generation so repeated pre-registration checks stay cheap on large
// graphs.
func (g *Graph) IsTransitivelyDependent(key, candidate string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	memoKey := fmt.Sprintf("%d|%s|%s", g.gen.Load(), key, candidate)
	if cached, ok := g.memo.Get(memoKey); ok {
		return cached
	}
	result := g.isDependentLocked(key, candidate, make(map[string]struct{}))
	g.memo.Set(memoKey, result, 1)
	return result
}

func (g *Graph) isDependentLocked(key, candidate string, seen map[string]struct{}) bool {
	if _, visited := seen[key]; visited {
		return false
	}
	seen[key] = struct{}{}

	direct := g.dependents[key]
	if lo.Contains(direct, candidate) {
		return true
	}
	for _, transitive := range direct {
		if g.isDependentLocked(transitive, candidate, seen) {
			return true
		}
	}
	return false
}

// RemoveDependentsOf deletes and returns the dependents recorded for owner.
// Disposal uses this to claim the set exactly once even when teardown
// recurses back into the graph.
func (g *Graph) RemoveDependentsOf(owner string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed, ok := g.dependents[owner]
	if !ok {
		return nil
	}
	delete(g.dependents, owner)
	g.gen.Add(1)
	return removed
}

// RemoveContained deletes and returns the keys enclosed by container.
func (g *Graph) RemoveContained(container string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed, ok := g.contained[container]
	if !ok {
		return nil
	}
	delete(g.contained, container)
	g.gen.Add(1)
	return removed
}

// Scrub removes key from every remaining dependent set and drops its own
// dependency record. Called at the end of a key's teardown so the graph
// never points at destroyed components.
func (g *Graph) Scrub(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for owner, dependents := range g.dependents {
		filtered := lo.Without(dependents, key)
		if len(filtered) == 0 {
			delete(g.dependents, owner)
			continue
		}
		g.dependents[owner] = filtered
	}
	delete(g.dependencies, key)
	g.gen.Add(1)
}

// Clear drops every edge and containment relation.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dependents = make(map[string][]string)
	g.dependencies = make(map[string][]string)
	g.contained = make(map[string][]string)
	g.memo.Clear()
	g.gen.Add(1)
}

// MemoStats returns hit/miss counters for the reachability memo.
func (g *Graph) MemoStats() MemoStats {
	m := g.memo.Metrics
	stats := MemoStats{Hits: m.Hits(), Misses: m.Misses()}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.Ratio = float64(stats.Hits) / float64(total)
	}
	return stats
}
