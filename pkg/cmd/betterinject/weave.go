package betterinject

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gookit/color"
	"github.com/robinbraemer/event"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cbyrne/betterinject/pkg/classpath"
	"github.com/cbyrne/betterinject/pkg/config"
	"github.com/cbyrne/betterinject/pkg/internal/otelutil"
	"github.com/cbyrne/betterinject/pkg/internal/reload"
	"github.com/cbyrne/betterinject/pkg/source"
	"github.com/cbyrne/betterinject/pkg/util/errs"
	"github.com/cbyrne/betterinject/pkg/util/interrupt"
	"github.com/cbyrne/betterinject/pkg/weaver"
)

func weaveCommand() *cli.Command {
	return &cli.Command{
		Name:  "weave",
		Usage: "Rewrite classes with the configured injections",
		Description: `Rewrite every class of the input directories and jar files and write
the result to the output directory. Resources are copied unchanged.
A directory input is written into the output directory, a jar input to
a jar file of the same name in it.

	betterinject weave -D injections.yml --in build/classes --out build/woven
	betterinject weave -D injections.yml --in app.jar --out dist --watch`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "descriptors",
				Aliases: []string{"D"},
				Usage:   "Injection descriptor files, replaces the configured ones",
			},
			&cli.StringSliceFlag{
				Name:     "in",
				Aliases:  []string{"i"},
				Usage:    "Directories and jar files to rewrite",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "out",
				Aliases:  []string{"o"},
				Usage:    "Output directory",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "classpath",
				Aliases: []string{"cp"},
				Usage:   "Additional directories and jar files to resolve referenced classes from",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of classes rewritten in parallel",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop at the first class that cannot be rewritten",
			},
			&cli.BoolFlag{
				Name:  "fallback",
				Usage: "Keep classes unchanged whose rewritten form fails verification",
			},
			&cli.BoolFlag{
				Name:  "no-verify",
				Usage: "Do not verify rewritten classes",
			},
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Weave again whenever a descriptor file changes",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			applyWeaveFlags(c, cfg)

			shutdown, err := otelutil.Init(c.Context)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer shutdown()

			warns, errList := cfg.Validate()
			for _, w := range warns {
				log.Info("config validation warning", "warn", w.Error())
			}
			if len(errList) != 0 {
				return cli.Exit(fmt.Errorf("config validation failed: %w", multierr.Combine(errList...)), 1)
			}

			if err = checkOutputs(c.StringSlice("in")); err != nil {
				return cli.Exit(err, 1)
			}

			r := &weaveRun{
				log:    log,
				cfg:    cfg,
				inputs: c.StringSlice("in"),
				out:    c.String("out"),
				w:      c.App.Writer,
				event:  event.New(),
			}
			r.subscribe()

			file, err := loadDescriptors(log, cfg.Descriptors)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if !c.Bool("watch") {
				if err = r.run(c.Context, file); err != nil {
					return cli.Exit(err, 1)
				}
				return nil
			}
			if err = r.run(c.Context, file); err != nil {
				log.Error(err, "weave failed, waiting for descriptor changes")
			}
			ctx, cancel := interrupt.TerminationContext(c.Context)
			defer cancel()
			return r.watch(ctx)
		},
	}
}

func applyWeaveFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("descriptors") {
		cfg.Descriptors = c.StringSlice("descriptors")
	}
	if c.IsSet("classpath") {
		cfg.Classpath.Paths = append(cfg.Classpath.Paths, c.StringSlice("classpath")...)
	}
	if c.IsSet("workers") {
		cfg.Weave.Workers = c.Int("workers")
	}
	if c.IsSet("fail-fast") {
		cfg.Weave.FailFast = c.Bool("fail-fast")
	}
	if c.IsSet("fallback") {
		cfg.Weave.Fallback = c.Bool("fallback")
	}
	if c.IsSet("no-verify") {
		cfg.Weave.Verify = !c.Bool("no-verify")
	}
}

// checkOutputs rejects jar inputs that would be written to the same
// output jar.
func checkOutputs(inputs []string) error {
	seen := map[string]string{}
	for _, in := range inputs {
		switch strings.ToLower(filepath.Ext(in)) {
		case ".jar", ".zip":
		default:
			continue
		}
		base := filepath.Base(in)
		if prev, ok := seen[base]; ok {
			return fmt.Errorf("inputs %s and %s would both be written to %s", prev, in, base)
		}
		seen[base] = in
	}
	return nil
}

// loadDescriptors loads and merges the descriptor files at paths.
func loadDescriptors(log logr.Logger, paths []string) (*source.File, error) {
	f := new(source.File)
	for _, p := range paths {
		pf, err := source.Load(p)
		if err != nil {
			return nil, err
		}
		f = f.Merge(pf)
	}
	warns, errList := f.Validate()
	for _, w := range warns {
		log.Info("injection validation warning", "warn", w.Error())
	}
	if len(errList) != 0 {
		return nil, fmt.Errorf("invalid injections: %w", multierr.Combine(errList...))
	}
	return f, nil
}

type weaveRun struct {
	log    logr.Logger
	cfg    *config.Config
	inputs []string
	out    string
	w      io.Writer
	event  event.Manager

	warnings atomic.Int64 // of the current run
}

func (r *weaveRun) subscribe() {
	event.Subscribe(r.event, 0, func(e *weaver.ClassRewrittenEvent) {
		if e.Fallback {
			return
		}
		r.log.V(1).Info("rewrote class", "class", e.Class, "points", len(e.Points))
	})
	event.Subscribe(r.event, 0, func(*weaver.InjectionWarningEvent) {
		r.warnings.Inc()
	})
}

// watch weaves again with the reloaded descriptors whenever a
// descriptor file changes, until ctx is canceled.
func (r *weaveRun) watch(ctx context.Context) error {
	if len(r.cfg.Descriptors) == 0 {
		return cli.Exit("--watch requires descriptor files", 1)
	}
	unsubscribe := reload.Subscribe(r.event, func(e *reload.UpdateEvent[source.File]) {
		if err := r.run(ctx, e.Value); err != nil {
			r.log.Error(err, "weave failed")
		}
	})
	defer unsubscribe()

	err := reload.Watch(logr.NewContext(ctx, r.log.WithName("reload")), r.cfg.Descriptors, func() error {
		f, err := loadDescriptors(r.log, r.cfg.Descriptors)
		if err != nil {
			return err
		}
		reload.FireUpdate(r.event, f)
		return nil
	})
	if err != nil {
		return cli.Exit(fmt.Errorf("error watching descriptor files: %w", err), 1)
	}
	r.log.Info("watching descriptor files for changes", "paths", r.cfg.Descriptors)
	<-ctx.Done()
	return nil
}

type summary struct {
	weaver.Stats
	Copied   int
	Warnings int64
	Duration time.Duration
}

// run weaves every input with the injections of file in a new session.
func (r *weaveRun) run(ctx context.Context, file *source.File) error {
	start := time.Now()
	r.warnings.Store(0)
	descs, err := file.Descriptors()
	if err != nil {
		return err
	}
	h, err := classpath.New(classpath.Options{
		Paths:    append(slices.Clone(r.cfg.Classpath.Paths), r.inputs...),
		TTL:      r.cfg.Classpath.CacheTTL,
		Capacity: r.cfg.Classpath.CacheCapacity,
		Logger:   r.log.WithName("classpath"),
	})
	if err != nil {
		return err
	}
	defer h.Close()

	sess, err := weaver.NewSession(weaver.Options{
		Logger:            r.log,
		Event:             r.event,
		Hierarchy:         h,
		Workers:           r.cfg.Weave.Workers,
		FailFast:          r.cfg.Weave.FailFast,
		Fallback:          r.cfg.Weave.Fallback,
		SkipVerify:        !r.cfg.Weave.Verify,
		SuperCacheSize:    r.cfg.Classpath.SuperCache,
		WarningsPerSecond: r.cfg.Weave.WarningsPerSecond,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	if err = sess.Register(descs...); err != nil {
		return err
	}

	var (
		failed error
		sum    summary
	)
	for _, in := range r.inputs {
		n, err := r.weaveArchive(ctx, sess, in)
		sum.Copied += n
		if err != nil {
			failed = multierr.Append(failed, err)
			if r.cfg.Weave.FailFast {
				break
			}
		}
	}
	sum.Stats = sess.Stats()
	sum.Warnings = r.warnings.Load()
	sum.Duration = time.Since(start)
	r.printSummary(sum)
	return failed
}

type entry struct {
	path  string
	b     []byte
	class int // index into the rewritten classes, -1 for resources
}

// weaveArchive rewrites the classes of one input and writes every entry
// to the output. Classes that failed are written unchanged.
func (r *weaveRun) weaveArchive(ctx context.Context, sess *weaver.Session, path string) (copied int, err error) {
	a, err := classpath.Open(path)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	var (
		entries []entry
		inputs  []weaver.Input
	)
	err = a.Walk(func(p string, b []byte) error {
		e := entry{path: p, b: b, class: -1}
		if _, ok := classpath.ClassName(p); ok {
			e.class = len(inputs)
			inputs = append(inputs, weaver.Input{Name: p, Bytes: b})
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error reading %s: %w", path, err)
	}
	manifestFirst(entries)

	results, failed := sess.RewriteAll(ctx, inputs)
	if results == nil && failed != nil {
		return 0, failed
	}
	for _, res := range results {
		r.report(res)
	}

	out, err := r.create(a)
	if err != nil {
		return 0, multierr.Append(failed, err)
	}
	for _, e := range entries {
		b := e.b
		if e.class >= 0 {
			res := results[e.class]
			if res.Changed() {
				b = res.Bytes
			} else {
				copied++
			}
		} else {
			copied++
		}
		if err = out.write(e.path, b); err != nil {
			return copied, multierr.Combine(failed, err, out.Close())
		}
	}
	return copied, multierr.Append(failed, out.Close())
}

func (r *weaveRun) report(res *weaver.Result) {
	switch {
	case res.Err == nil:
	case errs.IsSilent(res.Err):
		r.log.V(1).Info("class abandoned", "name", res.Name, "reason", res.Err.Error())
	case res.Fallback:
		r.log.Info("rewritten class failed verification, keeping original", "name", res.Name, "error", res.Err.Error())
	default:
		r.log.Error(res.Err, "failed to rewrite class", "name", res.Name)
	}
}

func (r *weaveRun) printSummary(s summary) {
	parts := []string{
		color.Green.Sprintf("%d rewritten", s.Rewritten),
		fmt.Sprintf("%d points", s.Points),
		fmt.Sprintf("%d copied", s.Copied),
	}
	if s.Warnings != 0 {
		parts = append(parts, color.Yellow.Sprintf("%d warnings", s.Warnings))
	}
	if s.Fallback != 0 {
		parts = append(parts, color.Yellow.Sprintf("%d fallback", s.Fallback))
	}
	if s.Failed != 0 {
		parts = append(parts, color.Red.Sprintf("%d failed", s.Failed))
	}
	_, _ = fmt.Fprintf(r.w, "%s %s in %s\n", color.Bold.Sprint("weave:"),
		strings.Join(parts, ", "), s.Duration.Round(time.Millisecond))
}

const manifestPath = "META-INF/MANIFEST.MF"

// manifestFirst moves the manifest to the front, where jar readers
// that stream entries look for it.
func manifestFirst(entries []entry) {
	i := slices.IndexFunc(entries, func(e entry) bool { return strings.EqualFold(e.path, manifestPath) })
	if i > 0 {
		m := entries[i]
		copy(entries[1:i+1], entries[:i])
		entries[0] = m
	}
}

type archiveWriter interface {
	write(path string, b []byte) error
	Close() error
}

// create opens the output of an input archive.
func (r *weaveRun) create(a classpath.Archive) (archiveWriter, error) {
	if !a.Jar() {
		return &dirWriter{root: r.out}, nil
	}
	if err := os.MkdirAll(r.out, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(r.out, filepath.Base(a.Path()))
	if abs, err := filepath.Abs(path); err == nil {
		if in, err := filepath.Abs(a.Path()); err == nil && in == abs {
			return nil, errors.New("refusing to overwrite input jar " + a.Path())
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &jarWriter{f: f, zw: zip.NewWriter(f)}, nil
}

type dirWriter struct{ root string }

func (d *dirWriter) write(path string, b []byte) error {
	p := filepath.Join(d.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}

func (d *dirWriter) Close() error { return nil }

type jarWriter struct {
	f  *os.File
	zw *zip.Writer
}

func (j *jarWriter) write(path string, b []byte) error {
	w, err := j.zw.Create(path)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (j *jarWriter) Close() error {
	return multierr.Append(j.zw.Close(), j.f.Close())
}
