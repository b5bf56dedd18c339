package kiln

import (
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BuildContext carries the identity and state of one logical build: a
// correlation id, the chain of keys being constructed, prototype
// re-entrancy marks, and whether this build owns the registry's
// construction lock. Nested resolutions inside a build share the same
// context lineage, which is what lets a cycle re-enter the registry
// without self-deadlocking.
//
// A BuildContext is used by a single goroutine; do not share one across
// concurrent builds.
type BuildContext struct {
	id       string
	path     []string
	registry *Registry
	ownsLock bool
	lenient  bool
	// prototypes guards against prototype self-cycles within this build.
	// Shared by reference across the whole build lineage.
	prototypes map[string]struct{}
	log        zerolog.Logger
}

func newBuildContext(r *Registry, lenient bool) *BuildContext {
	id := uuid.NewString()
	return &BuildContext{
		id:         id,
		registry:   r,
		lenient:    lenient,
		prototypes: make(map[string]struct{}),
		log:        r.log.With().Str("build_id", id).Logger(),
	}
}

// ID returns the build correlation id.
func (bc *BuildContext) ID() string {
	return bc.id
}

// Path returns the chain of keys this build is currently constructing,
// outermost first.
func (bc *BuildContext) Path() []string {
	return slices.Clone(bc.path)
}

// Registry returns the registry this build runs against.
func (bc *BuildContext) Registry() *Registry {
	return bc.registry
}

// Logger returns a logger carrying the build id.
func (bc *BuildContext) Logger() *zerolog.Logger {
	return &bc.log
}

// child derives a context one key deeper in the build chain.
func (bc *BuildContext) child(key string) *BuildContext {
	next := *bc
	next.path = append(slices.Clone(bc.path), key)
	return &next
}

// withLock derives a context that owns the construction lock.
func (bc *BuildContext) withLock() *BuildContext {
	next := *bc
	next.ownsLock = true
	return &next
}

// enterPrototype marks key as being built in this context. It reports
// false when key is already marked, which signals a prototype cycle.
func (bc *BuildContext) enterPrototype(key string) bool {
	if _, ok := bc.prototypes[key]; ok {
		return false
	}
	bc.prototypes[key] = struct{}{}
	return true
}

// exitPrototype clears the prototype mark for key.
func (bc *BuildContext) exitPrototype(key string) {
	delete(bc.prototypes, key)
}
