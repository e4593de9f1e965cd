package classfile

import (
	"errors"
	"fmt"
)

// ErrPoolFull is returned when a constant cannot be added because the
// constant pool already holds the maximum of 65535 slots.
var ErrPoolFull = errors.New("constant pool is full")

// MalformedClassError is returned when class bytes cannot be read.
// Loading the class must be aborted.
type MalformedClassError struct {
	Class  string // internal name if already known
	Offset int    // byte offset at which reading failed, -1 if unknown
	Reason string
	Err    error // optional cause
}

func (e *MalformedClassError) Error() string {
	s := "malformed class"
	if e.Class != "" {
		s += " " + e.Class
	}
	if e.Offset >= 0 {
		s += fmt.Sprintf(" at offset %d", e.Offset)
	}
	s += ": " + e.Reason
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *MalformedClassError) Unwrap() error { return e.Err }

func malformed(offset int, err error, format string, args ...any) *MalformedClassError {
	return &MalformedClassError{Offset: offset, Reason: fmt.Sprintf(format, args...), Err: err}
}
