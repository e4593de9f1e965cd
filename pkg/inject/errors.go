package inject

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistryFrozen is returned when registering after Freeze.
	ErrRegistryFrozen = errors.New("injection registry is frozen")
	// ErrInvalidDescriptor wraps descriptor validation failures.
	ErrInvalidDescriptor = errors.New("invalid injection descriptor")
)

// ConflictingInjectionError reports two descriptors resolving to the same
// splice location. First and Second are sorted by ID.
type ConflictingInjectionError struct {
	Class  string
	Method string
	Offset int
	First  string
	Second string
}

func (e *ConflictingInjectionError) Error() string {
	return fmt.Sprintf("conflicting injections %q and %q at %s.%s offset %d",
		e.First, e.Second, e.Class, e.Method, e.Offset)
}

// DuplicateInjectionError reports a descriptor registered twice for the
// same class and method.
type DuplicateInjectionError struct {
	ID     string
	Class  string
	Method string
}

func (e *DuplicateInjectionError) Error() string {
	return fmt.Sprintf("injection %q already registered for %s.%s", e.ID, e.Class, e.Method)
}

// UnmatchedRequiredInjectionError reports a required descriptor without any
// match in a class.
type UnmatchedRequiredInjectionError struct {
	ID     string
	Class  string
	Target string
	Reason string
	// Suggestions lists methods of the class with names close to the target.
	Suggestions []string
}

func (e *UnmatchedRequiredInjectionError) Error() string {
	s := fmt.Sprintf("required injection %q found no target in %s: %s", e.ID, e.Class, e.Reason)
	if len(e.Suggestions) != 0 {
		s += " (did you mean " + strings.Join(e.Suggestions, ", ") + "?)"
	}
	return s
}

// UnmatchedInjectionWarning reports an optional descriptor that matched
// fewer locations than expected. It is never fatal.
type UnmatchedInjectionWarning struct {
	ID       string
	Class    string
	Target   string
	Found    int
	Expected int
}

func (w *UnmatchedInjectionWarning) Error() string {
	if w.Found == 0 {
		return fmt.Sprintf("injection %q found no target in %s for %s", w.ID, w.Class, w.Target)
	}
	return fmt.Sprintf("injection %q found %d of %d expected targets in %s for %s",
		w.ID, w.Found, w.Expected, w.Class, w.Target)
}

// ExcessInjectionError reports a descriptor matching more locations in a
// class than it allows.
type ExcessInjectionError struct {
	ID      string
	Class   string
	Found   int
	Allowed int
}

func (e *ExcessInjectionError) Error() string {
	return fmt.Sprintf("injection %q found %d targets in %s, at most %d allowed",
		e.ID, e.Found, e.Class, e.Allowed)
}

// InvalidSliceError reports a slice whose bounds match nothing or are out
// of order in a target method.
type InvalidSliceError struct {
	ID     string
	Class  string
	Method string
	Reason string
}

func (e *InvalidSliceError) Error() string {
	return fmt.Sprintf("injection %q has an invalid slice in %s.%s: %s", e.ID, e.Class, e.Method, e.Reason)
}

// IncompatibleHandlerError reports a handler whose signature does not fit
// the frame at an injection point.
type IncompatibleHandlerError struct {
	ID     string
	Class  string
	Method string
	Offset int
	Reason string
}

func (e *IncompatibleHandlerError) Error() string {
	return fmt.Sprintf("injection %q is incompatible with %s.%s at offset %d: %s",
		e.ID, e.Class, e.Method, e.Offset, e.Reason)
}
