package weaver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/inject"
	"github.com/cbyrne/betterinject/pkg/util/errs"
	"github.com/cbyrne/betterinject/pkg/verify"
)

// Input is a class to rewrite.
type Input struct {
	// Name identifies the input in logs and results, e.g. a file or jar
	// entry path. Empty means the class name.
	Name  string
	Bytes []byte
}

// Result is the outcome of rewriting one class.
type Result struct {
	Name  string
	Class string // internal name, empty if the class could not be parsed
	// Bytes is the rewritten class, or the input when nothing was injected
	// or the rewrite fell back. Nil if the rewrite failed.
	Bytes    []byte
	Points   []inject.Point
	Warnings []*inject.UnmatchedInjectionWarning
	// Skipped is true when no injection applied to the class.
	Skipped bool
	// Fallback is true when the rewritten class failed verification and
	// the input was kept. Err holds the verification error.
	Fallback bool
	Err      error
}

// Changed reports whether Bytes differ from the input.
func (r *Result) Changed() bool {
	return r != nil && r.Err == nil && !r.Skipped && !r.Fallback
}

// Rewrite applies the registered injections to a single class.
// On failure the returned error is one of the typed errors of the
// classfile, inject and verify packages, wrapped with the input name.
func (s *Session) Rewrite(ctx context.Context, name string, b []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x, err := s.Freeze()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "weaver.Rewrite", trace.WithAttributes(
		attribute.String("session", s.ID()),
		attribute.String("name", name),
		attribute.Int("size", len(b)),
	))
	defer span.End()

	res, err := s.rewrite(ctx, x, name, b)
	s.ins.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rewrite failed")
		s.failed.Inc()
		s.ins.failed.Add(ctx, 1)
		s.event.Fire(&RewriteFailedEvent{Session: s.ID(), Class: name, Err: err})
		return nil, fmt.Errorf("rewrite %s: %w", name, err)
	}

	span.SetAttributes(
		attribute.String("class", res.Class),
		attribute.Int("points", len(res.Points)),
		attribute.Bool("fallback", res.Fallback),
	)
	for _, w := range res.Warnings {
		s.warn(ctx, w)
	}
	attrs := metric.WithAttributes(attribute.String("session", s.ID()))
	switch {
	case res.Skipped:
		s.skipped.Inc()
		s.ins.skipped.Add(ctx, 1, attrs)
	case res.Fallback:
		s.fallback.Inc()
		s.ins.fallback.Add(ctx, 1, attrs)
		s.event.Fire(&ClassRewrittenEvent{Session: s.ID(), Class: res.Class, Points: res.Points, Fallback: true})
	default:
		s.rewritten.Inc()
		s.points.Add(int64(len(res.Points)))
		s.ins.rewritten.Add(ctx, 1, attrs)
		s.ins.points.Add(ctx, int64(len(res.Points)), attrs)
		s.event.Fire(&ClassRewrittenEvent{Session: s.ID(), Class: res.Class, Points: res.Points})
	}
	return res, nil
}

// rewrite runs the pipeline stages of one class in order.
func (s *Session) rewrite(ctx context.Context, x *inject.Index, name string, b []byte) (*Result, error) {
	c, err := classfile.Parse(b)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = c.Name()
	}
	log := s.log.WithValues("class", c.Name())
	res := &Result{Name: name, Class: c.Name(), Bytes: b}

	descs := x.Lookup(c.Name())
	if len(descs) == 0 {
		res.Skipped = true
		return res, nil
	}

	loc, err := inject.Locate(c, descs)
	if err != nil {
		return nil, err
	}
	res.Warnings = loc.Warnings
	if len(loc.Points) == 0 {
		res.Skipped = true
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Points = loc.Points
	out, err := inject.Splice(c, loc.Points, inject.Options{
		Hierarchy: s.opts.Hierarchy,
		Supers:    s.supers,
		Log:       log,
	})
	if err == nil && !s.opts.SkipVerify {
		err = verify.Class(out, verify.Options{
			Hierarchy: s.opts.Hierarchy,
			Supers:    s.supers,
			Methods:   touchedMethods(loc.Points),
		})
	}
	if err != nil {
		var ve *verify.VerificationError
		if s.opts.Fallback && errors.As(err, &ve) {
			log.Info("rewritten class failed verification, keeping original", "error", err)
			res.Fallback = true
			res.Err = err
			return res, nil
		}
		return nil, err
	}

	if res.Bytes, err = out.Serialize(); err != nil {
		return nil, err
	}
	log.V(1).Info("rewrote class", "points", len(res.Points), "size", len(res.Bytes))
	return res, nil
}

func (s *Session) warn(ctx context.Context, w *inject.UnmatchedInjectionWarning) {
	s.event.Fire(&InjectionWarningEvent{Session: s.ID(), Warning: w})
	if s.quota.Blocked(w.ID) {
		return
	}
	s.log.Info("injection matched fewer points than expected",
		"injection", w.ID, "class", w.Class, "target", w.Target,
		"found", w.Found, "expected", w.Expected)
}

// touchedMethods returns the name+descriptor keys of the methods points
// were spliced into.
func touchedMethods(points []inject.Point) []string {
	seen := map[string]bool{}
	var keys []string
	for _, p := range points {
		if !seen[p.Method] {
			seen[p.Method] = true
			keys = append(keys, p.Method)
		}
	}
	return keys
}

// RewriteAll rewrites inputs concurrently with at most Options.Workers
// classes in flight. Results are in input order.
//
// A failing class gets a Result with only Name and Err set, and does not
// affect the others unless FailFast is set, in which case the classes not
// yet started are abandoned with the context error wrapped in an
// errs.SilentError. The returned error combines every failure.
func (s *Session) RewriteAll(ctx context.Context, inputs []Input) ([]*Result, error) {
	if _, err := s.Freeze(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "weaver.RewriteAll", trace.WithAttributes(
		attribute.String("session", s.ID()),
		attribute.Int("classes", len(inputs)),
	))
	defer span.End()

	var (
		eg     = new(errgroup.Group)
		egCtx  = ctx
		mu     sync.Mutex
		failed error
		result = make([]*Result, len(inputs))
	)
	if s.opts.FailFast {
		eg, egCtx = errgroup.WithContext(ctx)
	}
	eg.SetLimit(s.opts.Workers)

	for i, in := range inputs {
		if egCtx.Err() != nil {
			result[i] = &Result{Name: in.Name, Err: errs.WrapSilent(egCtx.Err())}
			continue
		}
		eg.Go(func() error {
			res, err := s.Rewrite(egCtx, in.Name, in.Bytes)
			if err != nil {
				if s.opts.FailFast && egCtx.Err() != nil && errors.Is(err, egCtx.Err()) {
					// abandoned because another class failed
					err = errs.WrapSilent(err)
				}
				result[i] = &Result{Name: in.Name, Err: err}
				mu.Lock()
				failed = multierr.Append(failed, err)
				mu.Unlock()
				if s.opts.FailFast {
					return err
				}
				return nil
			}
			result[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	if failed != nil {
		span.SetStatus(codes.Error, "some classes failed")
	}
	return result, failed
}
