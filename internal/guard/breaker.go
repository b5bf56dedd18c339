// Package guard provides per-key circuit breaking for component
// construction. A key whose producer keeps failing gets its breaker
// opened, so repeated lookups fail fast instead of re-running a broken
// constructor on every request.
package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// State represents the breaker state for a key.
type State = gobreaker.State

// Breaker state constants.
const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// ErrOpen is returned by Allow while a key's breaker is open.
var ErrOpen = errors.New("guard: construction suppressed while breaker is open")

// Default policy values applied when a field is left zero.
const (
	DefaultFailureThreshold = 3
	DefaultOpenFor          = 30 * time.Second
	DefaultHalfOpenProbes   = 1
)

// Policy configures the breakers created for each key.
type Policy struct {
	// FailureThreshold is the count of consecutive construction failures
	// that opens the breaker.
	FailureThreshold uint32
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
	// HalfOpenProbes is the number of construction attempts allowed while
	// half-open.
	HalfOpenProbes uint32
}

func (p Policy) withDefaults() Policy {
	if p.FailureThreshold == 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	if p.OpenFor <= 0 {
		p.OpenFor = DefaultOpenFor
	}
	if p.HalfOpenProbes == 0 {
		p.HalfOpenProbes = DefaultHalfOpenProbes
	}
	return p
}

// Keyed lazily maintains one two-step breaker per component key.
type Keyed struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
	policy   Policy
	log      zerolog.Logger
}

// NewKeyed creates a Keyed guard with the given policy. Zero policy fields
// fall back to defaults.
func NewKeyed(policy Policy, logger *zerolog.Logger) *Keyed {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Keyed{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
		policy:   policy.withDefaults(),
		log:      log,
	}
}

// Allow checks whether a construction attempt for key may proceed. On
// success it returns a completion callback that must be invoked with the
// attempt's outcome. While the breaker is open it returns ErrOpen.
func (k *Keyed) Allow(key string) (done func(err error), err error) {
	d, err := k.breakerFor(key).Allow()
	if err != nil {
		return nil, ErrOpen
	}
	return d, nil
}

// State returns the breaker state for key. Keys that never failed report
// StateClosed.
func (k *Keyed) State(key string) State {
	k.mu.Lock()
	cb, ok := k.breakers[key]
	k.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

func (k *Keyed) breakerFor(key string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	k.mu.Lock()
	defer k.mu.Unlock()

	if cb, ok := k.breakers[key]; ok {
		return cb
	}

	threshold := k.policy.FailureThreshold
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: k.policy.HalfOpenProbes,
		Timeout:     k.policy.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := k.log.Info()
			if to == gobreaker.StateOpen {
				event = k.log.Warn()
			}
			event.
				Str("component", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("construction breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}

	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)
	k.breakers[key] = cb
	return cb
}
