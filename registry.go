// Package kiln is a singleton component registry with construction-cycle
// resolution. A Registry caches shared instances in three tiers: finished
// objects, early references handed out mid-construction, and the
// factories that materialize those references on demand. A Builder runs
// the construction pipeline against descriptor definitions, records
// dependency edges as it resolves them, and tears components down in
// reverse order with dependents first.
package kiln

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"golang.org/x/time/rate"

	"github.com/kilnworks/kiln/events"
	"github.com/kilnworks/kiln/internal/deps"
	"github.com/kilnworks/kiln/internal/guard"
	"github.com/kilnworks/kiln/internal/inflight"
)

// maxSuppressed caps the related causes collected for one locked build.
const maxSuppressed = 100

// LockPolicy controls how builds behave when the construction lock is
// contended.
type LockPolicy uint8

// Lock policies.
const (
	// LockStrict makes contending builds block until the lock frees, then
	// re-check the cache. At most one producer runs per key.
	LockStrict LockPolicy = iota
	// LockLenient lets a contending build proceed without the lock.
	// Publication stays first-wins, so exactly one canonical instance
	// survives, but early-reference consistency is relaxed while the lock
	// is bypassed.
	LockLenient
)

// String returns the policy name.
func (p LockPolicy) String() string {
	if p == LockLenient {
		return "lenient"
	}
	return "strict"
}

// Registry is a tiered store of shared component instances. Finished
// instances are canonical and permanent until removed; early references
// exist only while their component is mid-construction; early factories
// materialize those references on demand.
//
// All methods are safe for concurrent use.
type Registry struct {
	log zerolog.Logger

	cacheMu   sync.RWMutex
	finished  map[string]any
	early     map[string]any
	factories map[string]EarlyFactory
	// order preserves finished registration order for Keys and snapshots.
	order []string

	// creationMu serializes construction. Builds own it via BuildContext,
	// so nested resolutions inside one build never re-acquire it.
	creationMu sync.Mutex
	tracker    *inflight.Set
	graph      *deps.Graph

	disposalMu    sync.Mutex
	disposals     map[string]func() error
	disposalOrder []string
	disposing     atomic.Bool

	suppressedMu sync.Mutex
	suppressed   []error
	collecting   bool

	lockPolicy    LockPolicy
	feed          *events.Feed
	breaker       *guard.Keyed
	breakerPolicy *guard.Policy
	// lenientLog throttles the unlocked-creation notice under contention.
	lenientLog rate.Sometimes
	// disposalLog throttles destroy-failure warnings during teardown.
	disposalLog rate.Sometimes
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger attaches a logger. The default discards everything.
func WithLogger(logger *zerolog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.log = *logger
		}
	}
}

// WithLockPolicy sets the contention policy for builds rooted at this
// registry. The default is LockStrict.
func WithLockPolicy(policy LockPolicy) Option {
	return func(r *Registry) {
		r.lockPolicy = policy
	}
}

// WithEventFeed publishes lifecycle transitions to feed.
func WithEventFeed(feed *events.Feed) Option {
	return func(r *Registry) {
		r.feed = feed
	}
}

// BreakerPolicy tunes the optional per-key construction breaker. Zero
// fields take defaults: 3 consecutive failures, open for 30s, 1 probe.
type BreakerPolicy struct {
	FailureThreshold uint32
	OpenFor          time.Duration
	HalfOpenProbes   uint32
}

// WithConstructionBreaker trips a per-key circuit breaker on repeated
// construction failures, so broken producers fail fast instead of
// re-running on every request.
func WithConstructionBreaker(policy BreakerPolicy) Option {
	return func(r *Registry) {
		r.breakerPolicy = &guard.Policy{
			FailureThreshold: policy.FailureThreshold,
			OpenFor:          policy.OpenFor,
			HalfOpenProbes:   policy.HalfOpenProbes,
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) (*Registry, error) {
	graph, err := deps.New()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		log:         zerolog.Nop(),
		finished:    make(map[string]any),
		early:       make(map[string]any),
		factories:   make(map[string]EarlyFactory),
		tracker:     inflight.New(),
		graph:       graph,
		disposals:   make(map[string]func() error),
		lenientLog:  rate.Sometimes{First: 3, Interval: 5 * time.Second},
		disposalLog: rate.Sometimes{First: 5, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakerPolicy != nil {
		r.breaker = guard.NewKeyed(*r.breakerPolicy, &r.log)
	}
	return r, nil
}

// AddFinished registers an externally produced instance as finished. It
// fails with ErrAlreadyBound when the key is already bound.
func (r *Registry) AddFinished(key string, instance any) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidDescriptor)
	}
	if instance == nil {
		return fmt.Errorf("%w: %q", ErrNilInstance, key)
	}
	return r.addFinished(key, instance, "")
}

func (r *Registry) addFinished(key string, instance any, buildID string) error {
	r.cacheMu.Lock()
	if _, exists := r.finished[key]; exists {
		r.cacheMu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyBound, key)
	}
	r.finished[key] = instance
	delete(r.early, key)
	delete(r.factories, key)
	r.order = append(r.order, key)
	r.cacheMu.Unlock()

	r.publish(events.Event{Kind: events.KindRegistered, Key: key, BuildID: buildID})
	return nil
}

// RegisterEarlyFactory registers a factory able to hand out an early
// reference for a mid-construction key. Registration is skipped silently
// when the key is already finished.
func (r *Registry) RegisterEarlyFactory(key string, factory EarlyFactory) error {
	if factory == nil {
		return fmt.Errorf("kiln: early factory for %q must not be nil", key)
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if _, done := r.finished[key]; done {
		return nil
	}
	r.factories[key] = factory
	delete(r.early, key)
	return nil
}

// Get reads the instance for key, materializing an early reference when
// one is reachable. Absence is a state, not an error.
func (r *Registry) Get(key string) Lookup {
	return r.getIn(nil, key, true)
}

// GetIn is Get for use inside a running build. Pass allowEarly false to
// observe only already-materialized state.
func (r *Registry) GetIn(bc *BuildContext, key string, allowEarly bool) Lookup {
	return r.getIn(bc, key, allowEarly)
}

func (r *Registry) getIn(bc *BuildContext, key string, allowEarly bool) Lookup {
	r.cacheMu.RLock()
	if v, ok := r.finished[key]; ok {
		r.cacheMu.RUnlock()
		return Lookup{State: LookupFinished, Instance: v}
	}
	earlyRef, hasEarly := r.early[key]
	_, hasFactory := r.factories[key]
	r.cacheMu.RUnlock()

	// Early state is only visible while the key is actually in creation.
	if !r.tracker.Contains(key) {
		return Lookup{}
	}
	if hasEarly {
		return Lookup{State: LookupEarly, Instance: earlyRef}
	}
	if !allowEarly || !hasFactory {
		return Lookup{}
	}

	// Materialize under the construction lock so only one caller runs the
	// factory. A failed try means another build is mid-flight; report
	// absent rather than wait.
	if bc == nil || !bc.ownsLock {
		if !r.creationMu.TryLock() {
			return Lookup{}
		}
		defer r.creationMu.Unlock()
	}

	r.cacheMu.RLock()
	if v, ok := r.finished[key]; ok {
		r.cacheMu.RUnlock()
		return Lookup{State: LookupFinished, Instance: v}
	}
	if v, ok := r.early[key]; ok {
		r.cacheMu.RUnlock()
		return Lookup{State: LookupEarly, Instance: v}
	}
	factory := r.factories[key]
	r.cacheMu.RUnlock()
	if factory == nil {
		return Lookup{}
	}

	// The factory runs user hooks; no registry mutex may be held here.
	v, err := factory()
	if err != nil {
		return Lookup{Err: fmt.Errorf("kiln: early reference for %q: %w", key, err)}
	}

	r.cacheMu.Lock()
	if _, still := r.factories[key]; still {
		delete(r.factories, key)
		r.early[key] = v
		r.cacheMu.Unlock()

		buildID := ""
		if bc != nil {
			buildID = bc.id
		}
		r.publish(events.Event{Kind: events.KindEarlyExposed, Key: key, BuildID: buildID})
		return Lookup{State: LookupEarly, Instance: v}
	}
	// The factory was consumed while we ran it: someone finished or
	// removed the key. Re-read whatever state is current.
	fin, isFin := r.finished[key]
	early, isEarly := r.early[key]
	r.cacheMu.Unlock()
	if isFin {
		return Lookup{State: LookupFinished, Instance: fin}
	}
	if isEarly {
		return Lookup{State: LookupEarly, Instance: early}
	}
	return Lookup{}
}

// Instance returns the finished instance for key, if any.
func (r *Registry) Instance(key string) mo.Option[any] {
	if v, ok := r.peekFinished(key); ok {
		return mo.Some(v)
	}
	return mo.None[any]()
}

func (r *Registry) peekFinished(key string) (any, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	v, ok := r.finished[key]
	return v, ok
}

// ContainsFinished reports whether key has a finished instance.
func (r *Registry) ContainsFinished(key string) bool {
	_, ok := r.peekFinished(key)
	return ok
}

// Keys returns the finished keys in registration order.
func (r *Registry) Keys() []string {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of finished instances.
func (r *Registry) Len() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.finished)
}

// GetOrCreate returns the finished instance for key, running produce to
// build it when absent. Concurrent callers for the same key observe a
// single canonical instance.
func (r *Registry) GetOrCreate(key string, produce Producer) (any, error) {
	return r.GetOrCreateIn(nil, key, produce)
}

// GetOrCreateIn is GetOrCreate inside an existing build context. A nil bc
// roots a new build with the registry's lock policy.
func (r *Registry) GetOrCreateIn(bc *BuildContext, key string, produce Producer) (v any, err error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidDescriptor)
	}
	if produce == nil {
		return nil, fmt.Errorf("%w: nil producer for %q", ErrInvalidDescriptor, key)
	}
	if bc == nil {
		bc = newBuildContext(r, r.lockPolicy == LockLenient)
	}

	if existing, ok := r.peekFinished(key); ok {
		return existing, nil
	}

	// Acquire the construction lock unless this build already owns it.
	locked := bc.ownsLock
	if !locked {
		acquired := r.creationMu.TryLock()
		if !acquired && !bc.lenient {
			r.creationMu.Lock()
			acquired = true
		}
		if acquired {
			locked = true
			bc = bc.withLock()
			defer r.creationMu.Unlock()
		} else {
			r.lenientLog.Do(func() {
				r.log.Info().
					Str("component", key).
					Str("build_id", bc.id).
					Msg("creating instance outside construction lock")
			})
		}
	}

	// Re-check now that we hold (or deliberately bypassed) the lock.
	if existing, ok := r.peekFinished(key); ok {
		return existing, nil
	}
	if r.disposing.Load() {
		return nil, fmt.Errorf("%w: refusing to create %q during teardown", ErrRegistryDisposing, key)
	}

	r.log.Debug().
		Str("component", key).
		Str("build_id", bc.id).
		Msg("creating shared instance")

	if beginErr := r.tracker.Begin(key); beginErr != nil {
		return nil, &CycleError{Key: key, Path: bc.Path()}
	}
	defer func() {
		if endErr := r.tracker.End(key); endErr != nil && err == nil {
			err = fmt.Errorf("%w: %q", ErrNotInCreation, key)
		}
	}()

	var breakerDone func(error)
	if r.breaker != nil {
		done, allowErr := r.breaker.Allow(key)
		if allowErr != nil {
			return nil, fmt.Errorf("%w: %q", ErrBreakerOpen, key)
		}
		breakerDone = done
	}

	// Only the lock-owning root build collects related causes.
	collecting := locked && r.beginSuppression()
	if collecting {
		defer func() {
			related := r.endSuppression()
			if err != nil && len(related) > 0 {
				err = attachRelated(key, err, related)
			}
		}()
	}

	v, err = produce(bc)
	if err == nil && v == nil {
		err = fmt.Errorf("%w: %q", ErrNilInstance, key)
	}
	newInstance := err == nil
	if err != nil {
		// The producer may have registered the key itself before failing,
		// possibly through a competing lenient build. Adopt what appeared.
		if appeared, ok := r.peekFinished(key); ok {
			v, err, newInstance = appeared, nil, false
		}
	}
	if breakerDone != nil {
		breakerDone(err)
	}
	if err != nil {
		return nil, err
	}

	if newInstance {
		if addErr := r.addFinished(key, v, bc.id); addErr != nil {
			// First-wins publication: a concurrent lenient build beat us.
			if existing, ok := r.peekFinished(key); ok {
				v = existing
			}
		}
	}
	return v, nil
}

func attachRelated(key string, err error, related []error) error {
	var ce *ConstructionError
	if errors.As(err, &ce) {
		ce.Related = append(ce.Related, related...)
		return err
	}
	return &ConstructionError{Key: key, Stage: StageFailed, Err: err, Related: related}
}

// RecordSuppressed records err as a related cause of the build currently
// collecting. No-op outside a collecting build or past the retention cap.
func (r *Registry) RecordSuppressed(err error) {
	if err == nil {
		return
	}
	r.suppressedMu.Lock()
	defer r.suppressedMu.Unlock()
	if r.collecting && len(r.suppressed) < maxSuppressed {
		r.suppressed = append(r.suppressed, err)
	}
}

func (r *Registry) beginSuppression() bool {
	r.suppressedMu.Lock()
	defer r.suppressedMu.Unlock()
	if r.collecting {
		return false
	}
	r.collecting = true
	r.suppressed = nil
	return true
}

func (r *Registry) endSuppression() []error {
	r.suppressedMu.Lock()
	defer r.suppressedMu.Unlock()
	collected := r.suppressed
	r.suppressed = nil
	r.collecting = false
	return collected
}

// Remove drops every cache tier for key. Finished removals are published
// as removal events.
func (r *Registry) Remove(key string) {
	if r.removeQuiet(key) {
		r.publish(events.Event{Kind: events.KindRemoved, Key: key})
	}
}

// removeQuiet drops key from all tiers and reports whether a finished
// instance was removed.
func (r *Registry) removeQuiet(key string) bool {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	_, existed := r.finished[key]
	delete(r.finished, key)
	delete(r.early, key)
	delete(r.factories, key)
	if existed {
		r.order = lo.Without(r.order, key)
	}
	return existed
}

// IsInCreation reports whether key is currently being constructed.
func (r *Registry) IsInCreation(key string) bool {
	return r.tracker.Contains(key)
}

// InCreation returns a sorted snapshot of keys currently being built.
func (r *Registry) InCreation() []string {
	return r.tracker.Snapshot()
}

// SetCreationExcluded removes key from (or restores it to) cycle
// detection. Excluded keys never trip CycleError and never report
// IsInCreation.
func (r *Registry) SetCreationExcluded(key string, excluded bool) {
	r.tracker.Exclude(key, excluded)
}

// RegisterEdge records that dependent depends on owner, so dependent is
// destroyed before owner. Idempotent.
func (r *Registry) RegisterEdge(owner, dependent string) {
	r.graph.AddEdge(owner, dependent)
}

// RegisterContained records that container structurally encloses
// contained.
func (r *Registry) RegisterContained(contained, container string) {
	r.graph.AddContained(contained, container)
}

// DependentsOf returns the keys depending on owner, in first-seen order.
func (r *Registry) DependentsOf(owner string) []string {
	return r.graph.DependentsOf(owner)
}

// DependenciesOf returns the keys that dependent depends on.
func (r *Registry) DependenciesOf(dependent string) []string {
	return r.graph.DependenciesOf(dependent)
}

// HasDependents reports whether anything depends on owner.
func (r *Registry) HasDependents(owner string) bool {
	return r.graph.HasDependents(owner)
}

// IsTransitivelyDependent reports whether candidate depends on key through
// any chain of edges.
func (r *Registry) IsTransitivelyDependent(key, candidate string) bool {
	return r.graph.IsTransitivelyDependent(key, candidate)
}

func (r *Registry) publish(e events.Event) {
	if r.feed != nil {
		r.feed.Publish(e)
	}
}
