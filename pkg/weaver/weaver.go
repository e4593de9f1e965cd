// Package weaver drives the injection pipeline over whole classes: parse,
// look up descriptors, locate, splice, verify and serialize. A Session owns
// the registry of one run and rewrites classes concurrently.
package weaver

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/inject"
	"github.com/cbyrne/betterinject/pkg/internal/logquota"
)

// ErrSessionClosed is returned when using a closed Session.
var ErrSessionClosed = errors.New("weaver: session closed")

// Options configures a Session.
type Options struct {
	// Logger is the base logger of the session. Zero means discard.
	Logger logr.Logger
	// Event receives ClassRewrittenEvent, RewriteFailedEvent and
	// InjectionWarningEvent. Nil means event.Nop.
	Event event.Manager
	// Hierarchy resolves classes outside the rewritten class when frames
	// merge, typically a classpath.Hierarchy.
	Hierarchy analysis.Hierarchy
	// Workers bounds the classes rewritten in parallel by RewriteAll.
	// Zero or less means DefaultWorkers.
	Workers int
	// FailFast cancels the remaining classes of RewriteAll on the first
	// failure. Otherwise failures are isolated to their class.
	FailFast bool
	// Fallback keeps the original bytes of a class whose rewritten form
	// fails verification instead of failing it.
	Fallback bool
	// SkipVerify disables verification of rewritten classes.
	SkipVerify bool
	// SuperCacheSize bounds the memoized common super class lookups.
	SuperCacheSize int
	// WarningsPerSecond limits how often warnings of the same injection
	// are logged. Zero logs every warning.
	WarningsPerSecond float32
}

const (
	DefaultWorkers        = 4
	DefaultSuperCacheSize = 4096
)

// Session is a single weaving run. Register descriptors, then rewrite
// classes; the registry is frozen by the first rewrite.
type Session struct {
	id     xid.ID
	opts   Options
	log    logr.Logger
	event  event.Manager
	reg    *inject.Registry
	supers *analysis.SuperCache
	quota  *logquota.Quota
	ins    *instruments

	index  atomic.Pointer[inject.Index]
	closed atomic.Bool

	rewritten atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	fallback  atomic.Int64
	points    atomic.Int64
}

// NewSession creates a new weaving session.
func NewSession(opts Options) (*Session, error) {
	ins, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("error creating instruments: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SuperCacheSize <= 0 {
		opts.SuperCacheSize = DefaultSuperCacheSize
	}
	if opts.Event == nil {
		opts.Event = event.Nop
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Session{
		id:     xid.New(),
		opts:   opts,
		event:  opts.Event,
		reg:    inject.NewRegistry(),
		supers: analysis.NewSuperCache(opts.SuperCacheSize),
		ins:    ins,
	}
	s.log = log.WithName("weaver").WithValues("session", s.id.String())
	if opts.WarningsPerSecond > 0 {
		s.quota = logquota.NewQuota(opts.WarningsPerSecond, 1, 1024)
	}
	return s, nil
}

// ID returns the unique id of the session.
func (s *Session) ID() string { return s.id.String() }

// Register adds descriptors to the session. The batch is added atomically.
func (s *Session) Register(descs ...*inject.Descriptor) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.reg.Register(descs...); err != nil {
		return err
	}
	s.log.V(1).Info("registered injections", "count", len(descs), "total", s.reg.Len())
	return nil
}

// Freeze freezes the registry and returns its index. It is called
// implicitly by the first rewrite.
func (s *Session) Freeze() (*inject.Index, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if x := s.index.Load(); x != nil {
		return x, nil
	}
	x := s.reg.Freeze()
	if s.index.CompareAndSwap(nil, x) {
		s.log.Info("registry frozen", "injections", x.Len())
	}
	return s.index.Load(), nil
}

// Stats is a snapshot of the session counters.
type Stats struct {
	Rewritten int64 // classes with at least one injection applied
	Skipped   int64 // classes without matching injections
	Failed    int64
	Fallback  int64 // classes kept unchanged after failed verification
	Points    int64 // injection points spliced
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	return Stats{
		Rewritten: s.rewritten.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
		Fallback:  s.fallback.Load(),
		Points:    s.points.Load(),
	}
}

// Close ends the session and drops its index. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.index.Store(nil)
	st := s.Stats()
	s.log.Info("session closed",
		"rewritten", st.Rewritten, "skipped", st.Skipped, "failed", st.Failed,
		"fallback", st.Fallback, "points", st.Points)
	return nil
}
