package kiln

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/kilnworks/kiln/events"
)

// DisposalFailure records one destroy callback that failed or panicked.
type DisposalFailure struct {
	Key string
	Err error
}

// DisposalReport summarizes a teardown pass.
type DisposalReport struct {
	// Disposed lists the keys torn down, dependents before their owners.
	Disposed []string
	// Failures lists destroy callbacks that errored. Teardown continues
	// past failures.
	Failures []DisposalFailure
}

// Ok reports whether every destroy callback succeeded.
func (d *DisposalReport) Ok() bool {
	return len(d.Failures) == 0
}

// Err joins the recorded failures into a single error, or nil.
func (d *DisposalReport) Err() error {
	if len(d.Failures) == 0 {
		return nil
	}
	joined := make([]error, 0, len(d.Failures))
	for _, f := range d.Failures {
		joined = append(joined, fmt.Errorf("dispose %q: %w", f.Key, f.Err))
	}
	return errors.Join(joined...)
}

// RegisterDisposal records a destroy callback for key. Re-registering a
// key replaces its callback but keeps its original teardown position.
func (r *Registry) RegisterDisposal(key string, destroy func() error) {
	if destroy == nil {
		return
	}
	r.disposalMu.Lock()
	defer r.disposalMu.Unlock()
	if _, exists := r.disposals[key]; !exists {
		r.disposalOrder = append(r.disposalOrder, key)
	}
	r.disposals[key] = destroy
}

// Disposing reports whether a full teardown is in progress. Creation is
// rejected while it is.
func (r *Registry) Disposing() bool {
	return r.disposing.Load()
}

// DisposeAll tears down every registered disposal in reverse registration
// order, destroying each key's dependents first, then clears all cache
// tiers and the dependency graph. Destroy failures are collected, not
// fatal. A concurrent DisposeAll returns an empty report.
func (r *Registry) DisposeAll() *DisposalReport {
	report := &DisposalReport{}
	if !r.disposing.CompareAndSwap(false, true) {
		return report
	}
	defer r.disposing.Store(false)

	r.disposalMu.Lock()
	names := slices.Clone(r.disposalOrder)
	r.disposalMu.Unlock()

	r.log.Info().
		Int("disposals", len(names)).
		Int("finished", r.Len()).
		Msg("disposing registry")

	for i := len(names) - 1; i >= 0; i-- {
		r.disposeKey(names[i], report)
	}

	r.graph.Clear()

	r.disposalMu.Lock()
	r.disposals = make(map[string]func() error)
	r.disposalOrder = nil
	r.disposalMu.Unlock()

	r.cacheMu.Lock()
	r.finished = make(map[string]any)
	r.early = make(map[string]any)
	r.factories = make(map[string]EarlyFactory)
	r.order = nil
	r.cacheMu.Unlock()

	if !report.Ok() {
		r.log.Warn().
			Int("failures", len(report.Failures)).
			Msg("registry disposed with destroy failures")
	}
	return report
}

// DisposeOne tears down a single key: its dependents first, then its own
// destroy callback, then anything it structurally contains. The key is
// removed from every cache tier and scrubbed from the graph.
func (r *Registry) DisposeOne(key string) *DisposalReport {
	report := &DisposalReport{}
	r.disposeKey(key, report)
	return report
}

func (r *Registry) disposeKey(key string, report *DisposalReport) {
	// Claim the registration so recursive teardown visits it once.
	r.disposalMu.Lock()
	destroy, registered := r.disposals[key]
	delete(r.disposals, key)
	if registered && !r.disposing.Load() {
		r.disposalOrder = lo.Without(r.disposalOrder, key)
	}
	r.disposalMu.Unlock()

	// Dependents go down before the key itself.
	dependents := r.graph.RemoveDependentsOf(key)
	if len(dependents) > 0 {
		r.log.Debug().
			Str("component", key).
			Strs("dependents", dependents).
			Msg("disposing dependent components first")
	}
	for _, dependent := range dependents {
		r.disposeKey(dependent, report)
	}

	if registered {
		if err := r.safeDestroy(key, destroy); err != nil {
			report.Failures = append(report.Failures, DisposalFailure{Key: key, Err: err})
			r.disposalLog.Do(func() {
				r.log.Warn().Err(err).Str("component", key).Msg("destroy callback failed")
			})
			r.publish(events.Event{Kind: events.KindDisposalFailed, Key: key, Err: err})
		} else {
			r.publish(events.Event{Kind: events.KindDisposed, Key: key})
		}
	}

	// Contained components follow their container immediately.
	for _, inner := range r.graph.RemoveContained(key) {
		r.disposeKey(inner, report)
	}

	// Bulk disposal keeps instances visible until the final cache clear,
	// tolerating late lookups from destroy callbacks mid-teardown.
	removed := false
	if !r.disposing.Load() {
		removed = r.removeQuiet(key)
	}
	r.graph.Scrub(key)
	if removed && !registered {
		r.publish(events.Event{Kind: events.KindDisposed, Key: key})
	}
	if registered || removed {
		report.Disposed = append(report.Disposed, key)
	}
}

// safeDestroy runs a destroy callback, converting panics into errors so
// one broken component cannot abort the rest of the teardown.
func (r *Registry) safeDestroy(key string, destroy func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("kiln: destroy %q panicked: %v", key, rec)
		}
	}()
	return destroy()
}
