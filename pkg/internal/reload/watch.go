package reload

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/knadh/koanf/providers/file"
	"go.uber.org/multierr"
)

const debounceDuration = 100 * time.Millisecond

// Watch calls cb after any of the files at paths changed. Bursts of
// changes within a short window result in a single call, and calls never
// overlap. Watching stops when ctx is done.
func Watch(ctx context.Context, paths []string, cb func() error) error {
	if ctx.Err() != nil {
		return nil
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("paths", paths)
	d := &debouncer{delay: debounceDuration, fn: func() {
		log.Info("auto-reloading")
		start := time.Now()
		if err := cb(); err != nil {
			log.Info("failed to reload", "error", err)
			return
		}
		log.Info("reloaded successfully", "duration", time.Since(start).Round(time.Millisecond).String())
	}}

	var providers []*file.File
	for _, path := range paths {
		p := file.Provider(path)
		err := p.Watch(func(_ any, err error) {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Info("failed watching file", "path", path, "error", err)
				return
			}
			d.trigger()
		})
		if err != nil {
			return multierr.Append(err, unwatch(providers))
		}
		providers = append(providers, p)
	}
	go func() {
		<-ctx.Done()
		d.stop()
		if err := unwatch(providers); err != nil {
			log.V(1).Info("error stopping watchers", "error", err)
		}
	}()
	return nil
}

func unwatch(providers []*file.File) (err error) {
	for _, p := range providers {
		err = multierr.Append(err, p.Unwatch())
	}
	return err
}

// debouncer runs fn once after trigger stopped being called for delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex // protects timer and stopped
	timer   *time.Timer
	stopped bool
	run     sync.Mutex // serializes fn
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.run.Lock()
		defer d.run.Unlock()
		d.fn()
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
