package kiln_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln"
)

type svcA struct {
	B *svcB
}

type svcB struct {
	A *svcA
}

func cyclicSource() kiln.DescriptorMap {
	return kiln.DescriptorMap{
		"svcA": {
			Constructor:  func() (any, error) { return &svcA{}, nil },
			Dependencies: []kiln.Dependency{{Slot: "B", Key: "svcB"}},
		},
		"svcB": {
			Constructor:  func() (any, error) { return &svcB{}, nil },
			Dependencies: []kiln.Dependency{{Slot: "A", Key: "svcA"}},
		},
	}
}

func TestBuildCycleResolution(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	b := kiln.NewBuilder(reg, cyclicSource())

	a, err := kiln.BuildAs[*svcA](b, "svcA")
	require.NoError(t, err)
	require.NotNil(t, a.B)
	assert.Same(t, a, a.B.A, "the cycle peer must hold the canonical instance")

	bb, err := kiln.BuildAs[*svcB](b, "svcB")
	require.NoError(t, err)
	assert.Same(t, a.B, bb)

	assert.Equal(t, []string{"svcB"}, reg.DependentsOf("svcA"))
	assert.Equal(t, []string{"svcA"}, reg.DependentsOf("svcB"))
	assert.False(t, reg.IsInCreation("svcA"))
	assert.False(t, reg.IsInCreation("svcB"))
}

func TestBuildCycleDisabled(t *testing.T) {
	t.Parallel()

	t.Run("builder-wide off fails the cycle", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, cyclicSource(), kiln.WithoutCycleResolution())

		_, err := b.Build("svcA")
		require.ErrorIs(t, err, kiln.ErrAlreadyInCreation)

		var cerr *kiln.CycleError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "svcA", cerr.Key)
		assert.Equal(t, []string{"svcA", "svcB", "svcA"}, cerr.Path)
	})

	t.Run("descriptor override re-enables resolution", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		source := cyclicSource()
		for key, desc := range source {
			desc.AllowCycles = mo.Some(true)
			source[key] = desc
		}
		b := kiln.NewBuilder(reg, source, kiln.WithoutCycleResolution())

		a, err := kiln.BuildAs[*svcA](b, "svcA")
		require.NoError(t, err)
		assert.Same(t, a, a.B.A)
	})
}

func TestBuildStages(t *testing.T) {
	t.Parallel()

	t.Run("unknown key fails at requested", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{})

		_, err := b.Build("nope")
		require.ErrorIs(t, err, kiln.ErrUnknownKey)

		var ce *kiln.ConstructionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, kiln.StageRequested, ce.Stage)
	})

	t.Run("invalid descriptor fails at requested", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{"x": {}})

		_, err := b.Build("x")
		require.ErrorIs(t, err, kiln.ErrInvalidDescriptor)
	})

	t.Run("constructor error fails at instantiating", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		boom := errors.New("no instance today")
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"x": {Constructor: func() (any, error) { return nil, boom }},
		})

		_, err := b.Build("x")
		require.ErrorIs(t, err, boom)

		var ce *kiln.ConstructionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, kiln.StageInstantiating, ce.Stage)
		assert.False(t, reg.ContainsFinished("x"))
	})

	t.Run("nil constructor result fails at instantiating", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"x": {Constructor: func() (any, error) { return nil, nil }},
		})

		_, err := b.Build("x")
		assert.ErrorIs(t, err, kiln.ErrNilInstance)
	})

	t.Run("failed dependency fails at populating", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		boom := errors.New("dep exploded")
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"app": {
				Constructor:  func() (any, error) { return &struct{ Dep any }{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Dep", Key: "dep"}},
			},
			"dep": {Constructor: func() (any, error) { return nil, boom }},
		})

		_, err := b.Build("app")
		require.ErrorIs(t, err, boom)

		var ce *kiln.ConstructionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "app", ce.Key)
		assert.Equal(t, kiln.StagePopulating, ce.Stage)
	})

	t.Run("sibling survives a failed build", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"bad": {
				Constructor:  func() (any, error) { return &struct{ Dep any }{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Dep", Key: "dep"}},
				Inits: []kiln.NamedInit{{Name: "explode", Fn: func(*kiln.BuildContext, any) error {
					return errors.New("init failed")
				}}},
			},
			"dep": {Constructor: func() (any, error) { return &widget{}, nil }},
		})

		_, err := b.Build("bad")
		require.Error(t, err)
		assert.False(t, reg.ContainsFinished("bad"))
		assert.True(t, reg.ContainsFinished("dep"), "an already finished dependency stays registered")
	})
}

func TestBuildSupplier(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	var seenPath []string
	b := kiln.NewBuilder(reg, kiln.DescriptorMap{
		"x": {Supplier: func(bc *kiln.BuildContext) (any, error) {
			seenPath = bc.Path()
			return &widget{n: 9}, nil
		}},
	})

	v, err := kiln.BuildAs[*widget](b, "x")
	require.NoError(t, err)
	assert.Equal(t, 9, v.n)
	assert.Equal(t, []string{"x"}, seenPath)
}

func TestBuildDependsOn(t *testing.T) {
	t.Parallel()

	t.Run("predecessors finish first", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"a": {Constructor: func() (any, error) { return &widget{}, nil }},
			"b": {
				Constructor: func() (any, error) { return &widget{}, nil },
				DependsOn:   []string{"a"},
			},
			"c": {
				Constructor: func() (any, error) { return &widget{}, nil },
				DependsOn:   []string{"b"},
			},
		})

		_, err := b.Build("c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, reg.Keys())
		assert.True(t, reg.IsTransitivelyDependent("a", "c"))
	})

	t.Run("mutual depends-on is rejected", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"a": {
				Constructor: func() (any, error) { return &widget{}, nil },
				DependsOn:   []string{"b"},
			},
			"b": {
				Constructor: func() (any, error) { return &widget{}, nil },
				DependsOn:   []string{"a"},
			},
		})

		_, err := b.Build("a")
		assert.ErrorIs(t, err, kiln.ErrAlreadyInCreation)
	})
}

type connFactory struct {
	made int
}

type conn struct {
	closed bool
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

func (f *connFactory) NewConn() (*conn, error) {
	f.made++
	return &conn{}, nil
}

func (f *connFactory) Broken() (*conn, error) {
	return nil, errors.New("factory out of connections")
}

func TestBuildFactoryMethod(t *testing.T) {
	t.Parallel()

	t.Run("builds the host and calls the method", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"factory": {Constructor: func() (any, error) { return &connFactory{}, nil }},
			"conn":    {Factory: &kiln.FactoryMethod{Key: "factory", Method: "NewConn"}},
		})

		c, err := kiln.BuildAs[*conn](b, "conn")
		require.NoError(t, err)
		require.NotNil(t, c)

		factory, err := kiln.InstanceAs[*connFactory](reg, "factory")
		require.NoError(t, err)
		assert.Equal(t, 1, factory.made)
		assert.Equal(t, []string{"factory"}, reg.DependenciesOf("conn"))
	})

	t.Run("method error propagates", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"factory": {Constructor: func() (any, error) { return &connFactory{}, nil }},
			"conn":    {Factory: &kiln.FactoryMethod{Key: "factory", Method: "Broken"}},
		})

		_, err := b.Build("conn")
		require.Error(t, err)
		assert.ErrorContains(t, err, "factory out of connections")
	})

	t.Run("unknown method is an invalid descriptor", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"factory": {Constructor: func() (any, error) { return &connFactory{}, nil }},
			"conn":    {Factory: &kiln.FactoryMethod{Key: "factory", Method: "NoSuchMethod"}},
		})

		_, err := b.Build("conn")
		assert.ErrorIs(t, err, kiln.ErrInvalidDescriptor)
	})
}

type store interface {
	Kind() string
}

type memStore struct{}

func (memStore) Kind() string { return "mem" }

type diskStore struct{}

func (diskStore) Kind() string { return "disk" }

type storeApp struct {
	Store store
}

func TestBuildByType(t *testing.T) {
	t.Parallel()

	storeType := reflect.TypeOf((*store)(nil)).Elem()

	t.Run("single assignable candidate wins", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"mem": {
				Constructor: func() (any, error) { return memStore{}, nil },
				Type:        reflect.TypeOf(memStore{}),
			},
			"app": {
				Constructor:  func() (any, error) { return &storeApp{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Store", Type: storeType}},
			},
		})

		app, err := kiln.BuildAs[*storeApp](b, "app")
		require.NoError(t, err)
		assert.Equal(t, "mem", app.Store.Kind())
		assert.Equal(t, []string{"app"}, reg.DependentsOf("mem"))
	})

	t.Run("two candidates are ambiguous", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"mem": {
				Constructor: func() (any, error) { return memStore{}, nil },
				Type:        reflect.TypeOf(memStore{}),
			},
			"disk": {
				Constructor: func() (any, error) { return diskStore{}, nil },
				Type:        reflect.TypeOf(diskStore{}),
			},
			"app": {
				Constructor:  func() (any, error) { return &storeApp{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Store", Type: storeType}},
			},
		})

		_, err := b.Build("app")
		require.ErrorIs(t, err, kiln.ErrAmbiguousDependency)

		var aerr *kiln.AmbiguousDependencyError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, []string{"disk", "mem"}, aerr.Candidates)
	})

	t.Run("no candidate is unsatisfied", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"app": {
				Constructor:  func() (any, error) { return &storeApp{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Store", Type: storeType}},
			},
		})

		_, err := b.Build("app")
		assert.ErrorIs(t, err, kiln.ErrDependencyUnsatisfied)
	})
}

type node struct {
	Ref any
}

func rawInjectionSource() kiln.DescriptorMap {
	return kiln.DescriptorMap{
		"a": {
			Constructor:  func() (any, error) { return &node{}, nil },
			Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "b"}},
		},
		"b": {
			Constructor:  func() (any, error) { return &node{}, nil },
			Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "a"}},
		},
	}
}

type proxy struct {
	inner any
}

// wrapHook replaces the target instance with a proxy at the chosen phase.
type wrapHook struct {
	target string
	phase  string
}

func (h wrapHook) Name() string { return "wrap-" + h.phase }

func (h wrapHook) BeforeEarlyExposure(_ *kiln.BuildContext, key string, instance any) (any, error) {
	if h.phase == "early" && key == h.target {
		return &proxy{inner: instance}, nil
	}
	return instance, nil
}

func (h wrapHook) AfterInit(_ *kiln.BuildContext, key string, instance any) (any, error) {
	if h.phase == "after-init" && key == h.target {
		return &proxy{inner: instance}, nil
	}
	return instance, nil
}

func TestRawInjectionCheck(t *testing.T) {
	t.Parallel()

	t.Run("late wrap with a retained raw reference fails", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, rawInjectionSource(),
			kiln.WithHooks(wrapHook{target: "a", phase: "after-init"}))

		_, err := b.Build("a")
		require.ErrorIs(t, err, kiln.ErrRawInjection)

		var rerr *kiln.RawInjectionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "a", rerr.Key)
		assert.Equal(t, []string{"b"}, rerr.Dependents)

		// The failed build and everything that held its raw reference are
		// rolled back.
		assert.False(t, reg.ContainsFinished("a"))
		assert.False(t, reg.ContainsFinished("b"))
	})

	t.Run("allow raw injection accepts the mismatch", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, rawInjectionSource(),
			kiln.WithHooks(wrapHook{target: "a", phase: "after-init"}),
			kiln.WithRawInjection())

		a, err := kiln.BuildAs[*proxy](b, "a")
		require.NoError(t, err)

		bNode, err := kiln.InstanceAs[*node](reg, "b")
		require.NoError(t, err)
		assert.Same(t, a.inner, bNode.Ref, "the dependent keeps the raw reference")
	})

	t.Run("early wrap keeps every holder consistent", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, rawInjectionSource(),
			kiln.WithHooks(wrapHook{target: "a", phase: "early"}))

		a, err := kiln.BuildAs[*proxy](b, "a")
		require.NoError(t, err)

		bNode, err := kiln.InstanceAs[*node](reg, "b")
		require.NoError(t, err)
		assert.Same(t, a, bNode.Ref, "peers hold the same wrapped reference the build returned")
	})
}

type initRecorder struct {
	calls []string
}

func (s *initRecorder) Init() error {
	s.calls = append(s.calls, "interface")
	return nil
}

type recordBeforeInit struct {
	stop bool
}

func (recordBeforeInit) Name() string { return "record-before-init" }

func (h recordBeforeInit) BeforeInit(_ *kiln.BuildContext, _ string, instance any) (any, error) {
	if rec, ok := instance.(*initRecorder); ok {
		rec.calls = append(rec.calls, "before")
	}
	if h.stop {
		return nil, nil
	}
	return instance, nil
}

type recordAfterInit struct{}

func (recordAfterInit) Name() string { return "record-after-init" }

func (recordAfterInit) AfterInit(_ *kiln.BuildContext, _ string, instance any) (any, error) {
	if rec, ok := instance.(*initRecorder); ok {
		rec.calls = append(rec.calls, "after")
	}
	return instance, nil
}

func TestInitialization(t *testing.T) {
	t.Parallel()

	t.Run("interface then named inits then hooks in order", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"x": {
				Constructor: func() (any, error) { return &initRecorder{}, nil },
				Inits: []kiln.NamedInit{
					{Name: "Init", Fn: func(_ *kiln.BuildContext, instance any) error {
						instance.(*initRecorder).calls = append(instance.(*initRecorder).calls, "named-init")
						return nil
					}},
					{Name: "Warmup", Fn: func(_ *kiln.BuildContext, instance any) error {
						instance.(*initRecorder).calls = append(instance.(*initRecorder).calls, "warmup")
						return nil
					}},
				},
			},
		}, kiln.WithHooks(recordBeforeInit{}, recordAfterInit{}))

		x, err := kiln.BuildAs[*initRecorder](b, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"before", "interface", "warmup", "after"}, x.calls,
			"a named init shadowing the Initializer method must not run twice")
	})

	t.Run("nil from a hook stops the chain and keeps the instance", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"x": {Constructor: func() (any, error) { return &initRecorder{}, nil }},
		}, kiln.WithHooks(recordBeforeInit{stop: true}, recordBeforeInit{}))

		x, err := kiln.BuildAs[*initRecorder](b, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"before", "interface"}, x.calls,
			"the second hook must not run after the first returned nil")
	})

	t.Run("init error fails at initializing", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"x": {
				Constructor: func() (any, error) { return &widget{}, nil },
				Inits: []kiln.NamedInit{{Name: "fail", Fn: func(*kiln.BuildContext, any) error {
					return errors.New("warmup failed")
				}}},
			},
		})

		_, err := b.Build("x")
		require.Error(t, err)

		var ce *kiln.ConstructionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, kiln.StageInitializing, ce.Stage)
		assert.False(t, reg.ContainsFinished("x"))
	})
}

func TestBuildPrototype(t *testing.T) {
	t.Parallel()

	t.Run("fresh instance per request, never cached", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"proto": {
				Scope:       kiln.ScopePrototype,
				Constructor: func() (any, error) { return &widget{}, nil },
			},
		})

		first, err := b.Build("proto")
		require.NoError(t, err)
		second, err := b.Build("proto")
		require.NoError(t, err)

		assert.NotSame(t, first, second)
		assert.Equal(t, 0, reg.Len())
		assert.Empty(t, reg.DisposeAll().Disposed, "prototypes register no disposal")
	})

	t.Run("prototype cycle is fatal", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"pa": {
				Scope:        kiln.ScopePrototype,
				Constructor:  func() (any, error) { return &node{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "pb"}},
			},
			"pb": {
				Scope:        kiln.ScopePrototype,
				Constructor:  func() (any, error) { return &node{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "pa"}},
			},
		})

		_, err := b.Build("pa")
		require.ErrorIs(t, err, kiln.ErrAlreadyInCreation)

		var cerr *kiln.CycleError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "pa", cerr.Key)
	})

	t.Run("prototype may depend on a singleton", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t)
		b := kiln.NewBuilder(reg, kiln.DescriptorMap{
			"shared": {Constructor: func() (any, error) { return &widget{}, nil }},
			"proto": {
				Scope:        kiln.ScopePrototype,
				Constructor:  func() (any, error) { return &node{}, nil },
				Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "shared"}},
			},
		})

		first, err := kiln.BuildAs[*node](b, "proto")
		require.NoError(t, err)
		second, err := kiln.BuildAs[*node](b, "proto")
		require.NoError(t, err)

		assert.NotSame(t, first, second)
		assert.Same(t, first.Ref, second.Ref, "both prototypes share the singleton")
		assert.True(t, reg.ContainsFinished("shared"))
	})
}

func TestBuildContained(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	b := kiln.NewBuilder(reg, kiln.DescriptorMap{
		"outer": {
			Constructor:  func() (any, error) { return &node{}, nil },
			Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "inner", Contained: true}},
		},
		"inner": {Constructor: func() (any, error) { return &widget{}, nil }},
	})

	_, err := b.Build("outer")
	require.NoError(t, err)

	// Containment implies a dependency edge: the container goes down first.
	assert.Equal(t, []string{"outer"}, reg.DependentsOf("inner"))
}

func TestBuildAsTypeMismatch(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	b := kiln.NewBuilder(reg, kiln.DescriptorMap{
		"x": {Constructor: func() (any, error) { return &widget{}, nil }},
	})

	_, err := kiln.BuildAs[*svcA](b, "x")
	assert.ErrorIs(t, err, kiln.ErrTypeMismatch)
}

func TestCustomResolver(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	literal := &widget{n: 42}
	resolver := kiln.ResolverFunc(func(_ *kiln.BuildContext, _ string, dep kiln.Dependency) (any, string, error) {
		if dep.Key == "literal" {
			// Values injected from outside the registry record no edge.
			return literal, "", nil
		}
		return nil, "", errors.New("unknown dependency")
	})
	b := kiln.NewBuilder(reg, kiln.DescriptorMap{
		"app": {
			Constructor:  func() (any, error) { return &node{}, nil },
			Dependencies: []kiln.Dependency{{Slot: "Ref", Key: "literal"}},
		},
	}, kiln.WithResolver(resolver))

	app, err := kiln.BuildAs[*node](b, "app")
	require.NoError(t, err)
	assert.Same(t, literal, app.Ref)
	assert.Empty(t, reg.DependenciesOf("app"))
}
