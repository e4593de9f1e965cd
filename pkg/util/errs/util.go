package errs

import (
	"errors"
	"fmt"
)

// SilentError is an error wrapper type that silences an
// error and only logs them in the debug log.
//
// It is used for failures that are a consequence of another,
// already reported failure, e.g. classes abandoned after a fail-fast stop.
type SilentError struct{ error }

func (e *SilentError) Error() string {
	return e.error.Error()
}

func NewSilentErr(format string, a ...any) error {
	return &SilentError{fmt.Errorf(format, a...)}
}

func WrapSilent(wrappedErr error) error {
	if wrappedErr == nil {
		return nil
	}
	return &SilentError{wrappedErr}
}

func (e *SilentError) Unwrap() error { return e.error }

// IsSilent reports whether err is or wraps a SilentError.
func IsSilent(err error) bool {
	var s *SilentError
	return errors.As(err, &s)
}
