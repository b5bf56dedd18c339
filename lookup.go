package kiln

// LookupState classifies the outcome of a registry read.
type LookupState uint8

// Lookup states.
const (
	// LookupAbsent means no instance is available for the key.
	LookupAbsent LookupState = iota
	// LookupEarly means an early reference was returned; the component is
	// still mid-construction and may not be fully populated.
	LookupEarly
	// LookupFinished means the canonical finished instance was returned.
	LookupFinished
)

// String returns the snake_case state name.
func (s LookupState) String() string {
	switch s {
	case LookupEarly:
		return "early"
	case LookupFinished:
		return "finished"
	default:
		return "absent"
	}
}

// Lookup is the tri-state result of a registry read. Absence is a state,
// not an error; Err is only set when materializing an early reference
// failed.
type Lookup struct {
	State    LookupState
	Instance any
	Err      error
}

// Found reports whether an instance was returned in any state.
func (l Lookup) Found() bool {
	return l.State != LookupAbsent && l.Err == nil
}

// Finished reports whether the canonical finished instance was returned.
func (l Lookup) Finished() bool {
	return l.State == LookupFinished
}

// Early reports whether an early reference was returned.
func (l Lookup) Early() bool {
	return l.State == LookupEarly
}
