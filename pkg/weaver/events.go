package weaver

import (
	"github.com/cbyrne/betterinject/pkg/inject"
)

// ClassRewrittenEvent is fired after a class was rewritten and verified.
type ClassRewrittenEvent struct {
	Session string
	Class   string
	Points  []inject.Point
	// Fallback is true when verification failed and the original bytes
	// were kept.
	Fallback bool
}

// RewriteFailedEvent is fired when a class could not be rewritten.
type RewriteFailedEvent struct {
	Session string
	Class   string
	Err     error
}

// InjectionWarningEvent is fired for every optional injection that matched
// fewer points than expected.
type InjectionWarningEvent struct {
	Session string
	Warning *inject.UnmatchedInjectionWarning
}
