package kiln

// Hook is the base interface for construction pipeline extensions. A hook
// additionally implements one or more of the capability interfaces below;
// the builder invokes each capability over its hook list in registration
// order.
//
// Capability methods return the instance to continue with. Returning the
// input unchanged is the common case; returning a different instance
// replaces (for example wraps) the component; returning nil stops the
// chain and keeps the instance accumulated so far.
type Hook interface {
	// Name identifies the hook in logs and errors.
	Name() string
}

// EarlyExposureHook transforms the reference handed out while a component
// is still mid-construction. This is the interception point for returning
// a wrapped object to cycle peers instead of the raw instance.
type EarlyExposureHook interface {
	Hook
	BeforeEarlyExposure(bc *BuildContext, key string, instance any) (any, error)
}

// BeforeInitHook runs after population, before initializers.
type BeforeInitHook interface {
	Hook
	BeforeInit(bc *BuildContext, key string, instance any) (any, error)
}

// AfterInitHook runs after initializers. Replacing the instance here on a
// component that already exposed its raw early reference trips the
// consistency check unless raw injection is allowed.
type AfterInitHook interface {
	Hook
	AfterInit(bc *BuildContext, key string, instance any) (any, error)
}
