package kiln

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/samber/mo"
)

// Scope controls how instances of a component are shared.
type Scope uint8

// Component scopes.
const (
	// ScopeSingleton components are built once and cached in the registry.
	ScopeSingleton Scope = iota
	// ScopePrototype components are built fresh on every request and never
	// cached or disposed by the registry.
	ScopePrototype
)

// String returns the scope name.
func (s Scope) String() string {
	if s == ScopePrototype {
		return "prototype"
	}
	return "singleton"
}

// Producer builds a raw instance within a running build.
type Producer func(bc *BuildContext) (any, error)

// EarlyFactory materializes an early reference for a mid-construction
// component.
type EarlyFactory func() (any, error)

// AssignFunc writes a resolved dependency value into a named slot of an
// instance.
type AssignFunc func(instance any, slot string, value any) error

// InitFunc is a named initialization step run after population.
type InitFunc func(bc *BuildContext, instance any) error

// DestroyFunc tears an instance down at disposal time.
type DestroyFunc func(instance any) error

// Initializer is implemented by instances that finish their own setup once
// all dependencies are assigned.
type Initializer interface {
	Init() error
}

// initializerMethodName is skipped among Descriptor.Inits when the instance
// already ran its Initializer, so the same step does not run twice.
const initializerMethodName = "Init"

// NamedInit pairs an initialization step with the name used for
// deduplication against the Initializer interface.
type NamedInit struct {
	Name string
	Fn   InitFunc
}

// FactoryMethod names a no-argument method on another registered component
// that produces this component. The host component is built first and
// becomes a dependency of the produced one.
type FactoryMethod struct {
	Key    string
	Method string
}

// Dependency declares one slot to fill during population. Exactly one of
// Key or Type selects the provider.
type Dependency struct {
	// Slot names the target passed to the AssignFunc. The default assigner
	// treats it as an exported struct field name.
	Slot string
	// Key resolves the dependency by exact component key.
	Key string
	// Type resolves the dependency by assignable produced type. Requires a
	// descriptor source that can enumerate keys.
	Type reflect.Type
	// Contained marks the resolved component as structurally enclosed by
	// the requester: the requester is destroyed first, then the contained
	// component immediately after.
	Contained bool
}

// Descriptor describes how to build, wire, and tear down one component.
// Exactly one production strategy must be set.
type Descriptor struct {
	// Scope defaults to ScopeSingleton.
	Scope Scope

	// Constructor produces the instance with no collaborator access.
	Constructor func() (any, error)
	// Factory produces the instance by calling a method on another
	// registered component.
	Factory *FactoryMethod
	// Supplier produces the instance with access to the running build.
	Supplier Producer

	// Type optionally declares the produced type, enabling this component
	// as a candidate for by-type dependency resolution.
	Type reflect.Type

	// Dependencies are resolved and assigned during population.
	Dependencies []Dependency
	// Assign overrides the reflection-based slot assigner.
	Assign AssignFunc
	// DependsOn forces the listed keys to be fully built before this one,
	// without wiring their instances in.
	DependsOn []string

	// Inits run in order after population. A step named "Init" is skipped
	// when the instance implements Initializer.
	Inits []NamedInit
	// Destroy runs at disposal, after an io.Closer instance's Close.
	Destroy DestroyFunc

	// AllowCycles overrides the builder-wide cycle resolution policy for
	// this component. Unset inherits the builder's policy; permitted cycles
	// expose an early reference while the component is mid-construction.
	AllowCycles mo.Option[bool]
}

// Validate checks that the descriptor is buildable.
func (d Descriptor) Validate() error {
	strategies := 0
	if d.Constructor != nil {
		strategies++
	}
	if d.Factory != nil {
		strategies++
	}
	if d.Supplier != nil {
		strategies++
	}
	if strategies != 1 {
		return fmt.Errorf("%w: exactly one production strategy required, got %d", ErrInvalidDescriptor, strategies)
	}
	if d.Factory != nil && (d.Factory.Key == "" || d.Factory.Method == "") {
		return fmt.Errorf("%w: factory method requires both key and method name", ErrInvalidDescriptor)
	}
	for i, dep := range d.Dependencies {
		if dep.Slot == "" {
			return fmt.Errorf("%w: dependency %d has no slot", ErrInvalidDescriptor, i)
		}
		byKey := dep.Key != ""
		byType := dep.Type != nil
		if byKey == byType {
			return fmt.Errorf("%w: slot %q must name exactly one of key or type", ErrInvalidDescriptor, dep.Slot)
		}
	}
	for i, init := range d.Inits {
		if init.Fn == nil {
			return fmt.Errorf("%w: init %d (%q) has nil func", ErrInvalidDescriptor, i, init.Name)
		}
	}
	return nil
}

// DescriptorSource supplies descriptors for component keys.
type DescriptorSource interface {
	DescriptorFor(key string) (Descriptor, error)
}

// KeyLister is implemented by descriptor sources that can enumerate their
// keys. By-type dependency resolution requires it.
type KeyLister interface {
	Keys() []string
}

// DescriptorMap is an in-memory DescriptorSource backed by a plain map.
type DescriptorMap map[string]Descriptor

// DescriptorFor implements DescriptorSource.
func (m DescriptorMap) DescriptorFor(key string) (Descriptor, error) {
	d, ok := m[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return d, nil
}

// Keys implements KeyLister. Keys are sorted for deterministic by-type
// candidate selection.
func (m DescriptorMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
