package kiln

import (
	"fmt"
	"reflect"
)

// defaultAssign writes value into the exported struct field named slot.
// The instance must be a non-nil pointer to a struct.
func defaultAssign(instance any, slot string, value any) error {
	rv := reflect.ValueOf(instance)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("kiln: default assign needs a non-nil struct pointer, got %T", instance)
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Struct {
		return fmt.Errorf("kiln: default assign needs a struct pointer, got %T", instance)
	}

	field := elem.FieldByName(slot)
	if !field.IsValid() {
		return fmt.Errorf("kiln: %T has no field %q", instance, slot)
	}
	if !field.CanSet() {
		return fmt.Errorf("kiln: field %q of %T is not settable", slot, instance)
	}

	if value == nil {
		field.SetZero()
		return nil
	}
	vv := reflect.ValueOf(value)
	if !vv.Type().AssignableTo(field.Type()) {
		return fmt.Errorf("kiln: cannot assign %s to field %q (%s) of %T",
			vv.Type(), slot, field.Type(), instance)
	}
	field.Set(vv)
	return nil
}

// sameObject reports whether a and b are the same instance. Pointer-like
// kinds compare by identity; comparable values fall back to equality;
// everything else reports false rather than panicking.
func sameObject(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Len() == rb.Len() && (ra.Len() == 0 || ra.Pointer() == rb.Pointer())
	default:
		if ra.Type() != rb.Type() || !ra.Type().Comparable() {
			return false
		}
		return a == b
	}
}
