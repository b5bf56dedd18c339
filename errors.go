package kiln

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by registry and builder operations. Wrapped
// errors carry key context; match with errors.Is.
var (
	// ErrAlreadyBound reports a finished instance already registered for a key.
	ErrAlreadyBound = errors.New("kiln: key already bound to a finished instance")
	// ErrRegistryDisposing reports a creation attempt during teardown.
	ErrRegistryDisposing = errors.New("kiln: registry is disposing")
	// ErrAlreadyInCreation reports a re-entrant request for a key that is
	// already being built, i.e. an unresolvable cycle.
	ErrAlreadyInCreation = errors.New("kiln: key already in creation")
	// ErrNotInCreation reports unbalanced creation tracking for a key.
	ErrNotInCreation = errors.New("kiln: key not marked in creation")
	// ErrRawInjection reports that a component was wrapped during
	// initialization after its raw instance had already been handed out.
	ErrRawInjection = errors.New("kiln: raw early reference retained by dependents")
	// ErrDependencyUnsatisfied reports that no component can fill a slot.
	ErrDependencyUnsatisfied = errors.New("kiln: no component satisfies dependency")
	// ErrAmbiguousDependency reports multiple candidates for one slot.
	ErrAmbiguousDependency = errors.New("kiln: multiple components satisfy dependency")
	// ErrBreakerOpen reports a construction suppressed by the breaker.
	ErrBreakerOpen = errors.New("kiln: construction suppressed while breaker is open")
	// ErrInvalidDescriptor reports a descriptor that cannot be built.
	ErrInvalidDescriptor = errors.New("kiln: invalid descriptor")
	// ErrNilInstance reports a producer that returned nil without error.
	ErrNilInstance = errors.New("kiln: producer returned nil instance")
	// ErrUnknownKey reports a key the descriptor source does not know.
	ErrUnknownKey = errors.New("kiln: no descriptor for key")
	// ErrNotFound reports a typed read of a key with no finished instance.
	ErrNotFound = errors.New("kiln: no finished instance for key")
	// ErrTypeMismatch reports a typed read whose instance has another type.
	ErrTypeMismatch = errors.New("kiln: instance type mismatch")
)

// Stage identifies a position in the construction pipeline.
type Stage uint8

// Pipeline stages, in order.
const (
	StageRequested Stage = iota
	StageInstantiating
	StageEarlyExposed
	StagePopulating
	StageInitializing
	StageFinished
	StageFailed
)

// String returns the snake_case stage name.
func (s Stage) String() string {
	switch s {
	case StageRequested:
		return "requested"
	case StageInstantiating:
		return "instantiating"
	case StageEarlyExposed:
		return "early_exposed"
	case StagePopulating:
		return "populating"
	case StageInitializing:
		return "initializing"
	case StageFinished:
		return "finished"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConstructionError reports a failed build, the stage it failed in, and any
// related failures collected from nested builds along the way.
type ConstructionError struct {
	Key     string
	Stage   Stage
	Err     error
	Related []error
}

// Error implements error.
func (e *ConstructionError) Error() string {
	msg := fmt.Sprintf("kiln: building %q failed at %s stage: %v", e.Key, e.Stage, e.Err)
	if n := len(e.Related); n > 0 {
		msg += fmt.Sprintf(" (%d related failure(s))", n)
	}
	return msg
}

// Unwrap exposes the direct cause and every related cause, so errors.Is
// and errors.As see nested build failures too.
func (e *ConstructionError) Unwrap() []error {
	out := make([]error, 0, 1+len(e.Related))
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return append(out, e.Related...)
}

// CycleError reports a request for a key that is already being built.
type CycleError struct {
	Key string
	// Path is the chain of keys the failing build traversed.
	Path []string
}

// Error implements error.
func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("kiln: component %q is already in creation", e.Key)
	}
	return fmt.Sprintf("kiln: component %q is already in creation (build path: %s)",
		e.Key, strings.Join(e.Path, " -> "))
}

// Is matches ErrAlreadyInCreation.
func (e *CycleError) Is(target error) bool {
	return target == ErrAlreadyInCreation
}

// RawInjectionError reports dependents that received a raw early reference
// before an initialization hook replaced the instance.
type RawInjectionError struct {
	Key        string
	Dependents []string
}

// Error implements error.
func (e *RawInjectionError) Error() string {
	return fmt.Sprintf(
		"kiln: component %q was replaced during initialization but dependents [%s] hold its raw early reference; "+
			"avoid wrapping it after early exposure or allow raw injection explicitly",
		e.Key, strings.Join(e.Dependents, ", "))
}

// Is matches ErrRawInjection.
func (e *RawInjectionError) Is(target error) bool {
	return target == ErrRawInjection
}

// AmbiguousDependencyError reports more than one candidate for a by-type
// dependency slot.
type AmbiguousDependencyError struct {
	Requester  string
	Slot       string
	TypeName   string
	Candidates []string
}

// Error implements error.
func (e *AmbiguousDependencyError) Error() string {
	return fmt.Sprintf("kiln: slot %q of %q matches multiple components of type %s: [%s]",
		e.Slot, e.Requester, e.TypeName, strings.Join(e.Candidates, ", "))
}

// Is matches ErrAmbiguousDependency.
func (e *AmbiguousDependencyError) Is(target error) bool {
	return target == ErrAmbiguousDependency
}
