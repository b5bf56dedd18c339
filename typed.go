package kiln

import "fmt"

// InstanceAs returns the finished instance for key asserted to T.
func InstanceAs[T any](r *Registry, key string) (T, error) {
	var zero T
	v, ok := r.peekFinished(key)
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q holds %T", ErrTypeMismatch, key, v)
	}
	return t, nil
}

// BuildAs builds key through b and asserts the result to T.
func BuildAs[T any](b *Builder, key string) (T, error) {
	var zero T
	v, err := b.Build(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q produced %T", ErrTypeMismatch, key, v)
	}
	return t, nil
}
