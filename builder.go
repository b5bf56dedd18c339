package kiln

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Resolver fills dependency slots during population. Implementations
// return the resolved value plus the registry key that provided it; an
// empty provider key means the value came from outside the registry and
// no dependency edge is recorded.
type Resolver interface {
	Resolve(bc *BuildContext, requester string, dep Dependency) (value any, providerKey string, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(bc *BuildContext, requester string, dep Dependency) (any, string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(bc *BuildContext, requester string, dep Dependency) (any, string, error) {
	return f(bc, requester, dep)
}

// Builder drives the construction pipeline for components described by a
// DescriptorSource: instantiate, optionally expose an early reference,
// populate dependencies, initialize, verify early-reference consistency,
// and register disposal. Safe for concurrent use.
type Builder struct {
	reg         *Registry
	source      DescriptorSource
	resolver    Resolver
	hooks       []Hook
	allowCycles bool
	allowRaw    bool
	log         zerolog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithResolver replaces the default registry-backed dependency resolver.
func WithResolver(resolver Resolver) BuilderOption {
	return func(b *Builder) {
		if resolver != nil {
			b.resolver = resolver
		}
	}
}

// WithHooks appends construction hooks, invoked in registration order.
func WithHooks(hooks ...Hook) BuilderOption {
	return func(b *Builder) {
		b.hooks = append(b.hooks, hooks...)
	}
}

// WithRawInjection accepts dependents keeping a raw early reference even
// when a later hook replaced the instance.
func WithRawInjection() BuilderOption {
	return func(b *Builder) {
		b.allowRaw = true
	}
}

// WithoutCycleResolution disables early references builder-wide, so any
// construction cycle fails instead of resolving. Descriptors can still
// opt back in per component.
func WithoutCycleResolution() BuilderOption {
	return func(b *Builder) {
		b.allowCycles = false
	}
}

// NewBuilder creates a Builder over reg and source.
func NewBuilder(reg *Registry, source DescriptorSource, opts ...BuilderOption) *Builder {
	b := &Builder{
		reg:         reg,
		source:      source,
		allowCycles: true,
		log:         reg.log,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.resolver == nil {
		b.resolver = &registryResolver{b: b}
	}
	return b
}

// Registry returns the registry this builder populates.
func (b *Builder) Registry() *Registry {
	return b.reg
}

// Build constructs the component for key as a new logical build and
// returns its instance. Singletons come from or land in the registry;
// prototypes are built fresh.
func (b *Builder) Build(key string) (any, error) {
	return b.BuildIn(nil, key)
}

// BuildIn is Build within an existing build context, used by nested
// resolutions. A nil bc roots a new build.
func (b *Builder) BuildIn(bc *BuildContext, key string) (any, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidDescriptor)
	}
	if b.source == nil {
		return nil, fmt.Errorf("%w: builder has no descriptor source", ErrInvalidDescriptor)
	}
	if bc == nil {
		bc = newBuildContext(b.reg, b.reg.lockPolicy == LockLenient)
	}

	// Finished instances and reachable early references short-circuit the
	// pipeline; the early path is what closes construction cycles.
	if lk := b.reg.GetIn(bc, key, true); lk.Found() {
		if lk.Early() {
			b.log.Debug().
				Str("component", key).
				Str("build_id", bc.ID()).
				Msg("returning early reference of in-creation component")
		}
		return lk.Instance, nil
	} else if lk.Err != nil {
		return nil, lk.Err
	}

	desc, err := b.source.DescriptorFor(key)
	if err != nil {
		return nil, &ConstructionError{Key: key, Stage: StageRequested, Err: err}
	}
	if err := desc.Validate(); err != nil {
		return nil, &ConstructionError{Key: key, Stage: StageRequested, Err: err}
	}

	bc = bc.child(key)

	// Forced predecessors finish before this component starts.
	for _, pre := range desc.DependsOn {
		if b.reg.IsTransitivelyDependent(key, pre) {
			return nil, &ConstructionError{Key: key, Stage: StageRequested,
				Err: fmt.Errorf("%w: depends-on %q closes a cycle", ErrAlreadyInCreation, pre)}
		}
		b.reg.RegisterEdge(pre, key)
		if _, err := b.BuildIn(bc, pre); err != nil {
			return nil, &ConstructionError{Key: key, Stage: StageRequested,
				Err: fmt.Errorf("depends-on %q: %w", pre, err)}
		}
	}

	if desc.Scope == ScopePrototype {
		return b.buildPrototype(bc, key, desc)
	}

	return b.reg.GetOrCreateIn(bc, key, func(inner *BuildContext) (any, error) {
		instance, err := b.doCreate(inner, key, desc)
		if err != nil {
			// Roll back partial state so a later request can rebuild.
			b.reg.DisposeOne(key)
			return nil, err
		}
		return instance, nil
	})
}

func (b *Builder) buildPrototype(bc *BuildContext, key string, desc Descriptor) (any, error) {
	if !bc.enterPrototype(key) {
		return nil, &CycleError{Key: key, Path: bc.Path()}
	}
	defer bc.exitPrototype(key)

	raw, err := b.instantiate(bc, key, desc)
	if err != nil {
		return nil, &ConstructionError{Key: key, Stage: StageInstantiating, Err: err}
	}
	if err := b.populate(bc, key, desc, raw); err != nil {
		return nil, err
	}
	return b.initialize(bc, key, desc, raw)
}

// doCreate runs the full singleton pipeline for key. The registry has
// already marked the key in creation and holds whatever locking the build
// context calls for.
func (b *Builder) doCreate(bc *BuildContext, key string, desc Descriptor) (any, error) {
	raw, err := b.instantiate(bc, key, desc)
	if err != nil {
		return nil, &ConstructionError{Key: key, Stage: StageInstantiating, Err: err}
	}

	earlyExposure := desc.AllowCycles.OrElse(b.allowCycles) && b.reg.IsInCreation(key)
	if earlyExposure {
		b.log.Debug().
			Str("component", key).
			Str("build_id", bc.ID()).
			Msg("eagerly exposing early reference to resolve potential cycles")
		if regErr := b.reg.RegisterEarlyFactory(key, func() (any, error) {
			return b.earlyReference(bc, key, raw)
		}); regErr != nil {
			return nil, &ConstructionError{Key: key, Stage: StageEarlyExposed, Err: regErr}
		}
	}

	if err := b.populate(bc, key, desc, raw); err != nil {
		return nil, err
	}
	exposed, err := b.initialize(bc, key, desc, raw)
	if err != nil {
		return nil, err
	}

	if earlyExposure {
		exposed, err = b.earlyConsistency(bc, key, raw, exposed)
		if err != nil {
			return nil, err
		}
	}

	b.registerDisposal(key, desc, raw)
	return exposed, nil
}

// earlyReference runs the early-exposure hook chain over the raw
// instance. It backs the early factory registered for key.
func (b *Builder) earlyReference(bc *BuildContext, key string, raw any) (any, error) {
	instance := raw
	for _, hook := range b.hooks {
		eh, ok := hook.(EarlyExposureHook)
		if !ok {
			continue
		}
		out, err := eh.BeforeEarlyExposure(bc, key, instance)
		if err != nil {
			return nil, fmt.Errorf("hook %q: %w", hook.Name(), err)
		}
		if out == nil {
			break
		}
		instance = out
	}
	return instance, nil
}

func (b *Builder) populate(bc *BuildContext, key string, desc Descriptor, raw any) error {
	if len(desc.Dependencies) == 0 {
		return nil
	}
	assign := desc.Assign
	if assign == nil {
		assign = defaultAssign
	}
	for _, dep := range desc.Dependencies {
		value, provider, err := b.resolver.Resolve(bc, key, dep)
		if err != nil {
			b.reg.RecordSuppressed(err)
			return &ConstructionError{Key: key, Stage: StagePopulating,
				Err: fmt.Errorf("resolve slot %q: %w", dep.Slot, err)}
		}
		if provider != "" {
			if dep.Contained {
				b.reg.RegisterContained(provider, key)
			} else {
				b.reg.RegisterEdge(provider, key)
			}
		}
		if err := assign(raw, dep.Slot, value); err != nil {
			return &ConstructionError{Key: key, Stage: StagePopulating, Err: err}
		}
	}
	return nil
}

func (b *Builder) initialize(bc *BuildContext, key string, desc Descriptor, instance any) (any, error) {
	current := instance

	for _, hook := range b.hooks {
		bh, ok := hook.(BeforeInitHook)
		if !ok {
			continue
		}
		out, err := bh.BeforeInit(bc, key, current)
		if err != nil {
			return nil, &ConstructionError{Key: key, Stage: StageInitializing,
				Err: fmt.Errorf("hook %q: %w", hook.Name(), err)}
		}
		if out == nil {
			break
		}
		current = out
	}

	ranInit := false
	if init, ok := current.(Initializer); ok {
		b.log.Debug().
			Str("component", key).
			Str("build_id", bc.ID()).
			Msg("invoking initializer")
		if err := init.Init(); err != nil {
			return nil, &ConstructionError{Key: key, Stage: StageInitializing,
				Err: fmt.Errorf("init: %w", err)}
		}
		ranInit = true
	}
	for _, step := range desc.Inits {
		if ranInit && step.Name == initializerMethodName {
			continue
		}
		if err := step.Fn(bc, current); err != nil {
			return nil, &ConstructionError{Key: key, Stage: StageInitializing,
				Err: fmt.Errorf("init %q: %w", step.Name, err)}
		}
	}

	for _, hook := range b.hooks {
		ah, ok := hook.(AfterInitHook)
		if !ok {
			continue
		}
		out, err := ah.AfterInit(bc, key, current)
		if err != nil {
			return nil, &ConstructionError{Key: key, Stage: StageInitializing,
				Err: fmt.Errorf("hook %q: %w", hook.Name(), err)}
		}
		if out == nil {
			break
		}
		current = out
	}

	return current, nil
}

// earlyConsistency reconciles the initialized instance with an early
// reference that cycle peers may already hold.
func (b *Builder) earlyConsistency(bc *BuildContext, key string, raw, exposed any) (any, error) {
	lk := b.reg.GetIn(bc, key, false)
	if !lk.Early() {
		// No early reference materialized; nothing to reconcile.
		return exposed, nil
	}
	earlyRef := lk.Instance
	if sameObject(exposed, raw) {
		// Peers hold the early reference; it is the canonical object.
		return earlyRef, nil
	}
	if b.allowRaw {
		return exposed, nil
	}
	dependents := b.reg.DependentsOf(key)
	actual := lo.Filter(dependents, func(dep string, _ int) bool {
		return b.reg.ContainsFinished(dep) || b.reg.IsInCreation(dep)
	})
	if len(actual) > 0 {
		return nil, &RawInjectionError{Key: key, Dependents: actual}
	}
	return exposed, nil
}

// registerDisposal wires teardown for singletons that need it: an
// io.Closer Close first, then the descriptor's Destroy. Both run against
// the raw instance.
func (b *Builder) registerDisposal(key string, desc Descriptor, raw any) {
	closer, isCloser := raw.(io.Closer)
	if !isCloser && desc.Destroy == nil {
		return
	}
	destroy := desc.Destroy
	b.reg.RegisterDisposal(key, func() error {
		var errs []error
		if isCloser {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if destroy != nil {
			if err := destroy(raw); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func (b *Builder) instantiate(bc *BuildContext, key string, desc Descriptor) (any, error) {
	var (
		v   any
		err error
	)
	switch {
	case desc.Supplier != nil:
		v, err = desc.Supplier(bc)
	case desc.Constructor != nil:
		v, err = desc.Constructor()
	case desc.Factory != nil:
		v, err = b.instantiateViaFactory(bc, key, *desc.Factory)
	default:
		err = fmt.Errorf("%w: no production strategy", ErrInvalidDescriptor)
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %q", ErrNilInstance, key)
	}
	return v, nil
}

func (b *Builder) instantiateViaFactory(bc *BuildContext, key string, fm FactoryMethod) (any, error) {
	// The factory host is a dependency of the produced component.
	b.reg.RegisterEdge(fm.Key, key)
	host, err := b.BuildIn(bc, fm.Key)
	if err != nil {
		return nil, fmt.Errorf("build factory host %q: %w", fm.Key, err)
	}

	method := reflect.ValueOf(host).MethodByName(fm.Method)
	if !method.IsValid() {
		return nil, fmt.Errorf("%w: factory host %q has no method %q", ErrInvalidDescriptor, fm.Key, fm.Method)
	}
	mt := method.Type()
	if mt.NumIn() != 0 {
		return nil, fmt.Errorf("%w: factory method %s.%s must take no arguments",
			ErrInvalidDescriptor, fm.Key, fm.Method)
	}
	switch mt.NumOut() {
	case 1:
	case 2:
		if mt.Out(1) != errType {
			return nil, fmt.Errorf("%w: factory method %s.%s second return must be error",
				ErrInvalidDescriptor, fm.Key, fm.Method)
		}
	default:
		return nil, fmt.Errorf("%w: factory method %s.%s must return the instance and an optional error",
			ErrInvalidDescriptor, fm.Key, fm.Method)
	}

	results := method.Call(nil)
	if mt.NumOut() == 2 && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// registryResolver resolves dependencies against the builder's own source:
// key references build the named component, type references scan declared
// produced types for exactly one assignable candidate.
type registryResolver struct {
	b *Builder
}

func (rr *registryResolver) Resolve(bc *BuildContext, requester string, dep Dependency) (any, string, error) {
	if dep.Key != "" {
		v, err := rr.b.BuildIn(bc, dep.Key)
		return v, dep.Key, err
	}

	lister, ok := rr.b.source.(KeyLister)
	if !ok {
		return nil, "", fmt.Errorf("%w: by-type resolution needs a key-listing source", ErrDependencyUnsatisfied)
	}
	var candidates []string
	for _, candidate := range lister.Keys() {
		if candidate == requester {
			continue
		}
		cd, err := rr.b.source.DescriptorFor(candidate)
		if err != nil {
			continue
		}
		if cd.Type != nil && cd.Type.AssignableTo(dep.Type) {
			candidates = append(candidates, candidate)
		}
	}

	switch len(candidates) {
	case 0:
		return nil, "", fmt.Errorf("%w: no candidate of type %s for slot %q of %q",
			ErrDependencyUnsatisfied, dep.Type, dep.Slot, requester)
	case 1:
		v, err := rr.b.BuildIn(bc, candidates[0])
		return v, candidates[0], err
	default:
		return nil, "", &AmbiguousDependencyError{
			Requester:  requester,
			Slot:       dep.Slot,
			TypeName:   dep.Type.String(),
			Candidates: candidates,
		}
	}
}
