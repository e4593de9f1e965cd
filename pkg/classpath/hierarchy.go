package classpath

import (
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/multierr"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/internal/cachutil"
)

// Options configures a Hierarchy.
type Options struct {
	// Paths are directories and jar files, searched in order.
	Paths []string
	// TTL is how long a looked up class is cached. Zero means
	// DefaultTTL.
	TTL time.Duration
	// Capacity bounds the number of cached classes. Zero means
	// DefaultCapacity.
	Capacity uint64
	Logger   logr.Logger
}

const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 16384
)

// Hierarchy is an analysis.Hierarchy reading class headers lazily from a
// class path. It is safe for concurrent use.
type Hierarchy struct {
	log      logr.Logger
	archives []Archive
	cache    *ttlcache.Cache[string, lookup]
}

var _ analysis.Hierarchy = (*Hierarchy)(nil)

// lookup caches misses as well as hits.
type lookup struct {
	info  analysis.ClassInfo
	found bool
}

// New opens every path of opts. On error the already opened archives
// are closed.
func New(opts Options) (*Hierarchy, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	h := &Hierarchy{log: opts.Logger}
	if h.log.GetSink() == nil {
		h.log = logr.Discard()
	}
	for _, p := range opts.Paths {
		a, err := Open(p)
		if err != nil {
			return nil, multierr.Append(err, h.Close())
		}
		h.archives = append(h.archives, a)
	}
	h.cache = ttlcache.New[string, lookup](
		ttlcache.WithTTL[string, lookup](opts.TTL),
		ttlcache.WithCapacity[string, lookup](opts.Capacity),
		ttlcache.WithLoader[string, lookup](cachutil.Suppress[lookup](h.load)),
	)
	return h, nil
}

// Lookup implements analysis.Hierarchy.
func (h *Hierarchy) Lookup(name string) (analysis.ClassInfo, bool) {
	item := h.cache.Get(name)
	if item == nil {
		return analysis.ClassInfo{}, false
	}
	l := item.Value()
	return l.info, l.found
}

func (h *Hierarchy) load(c *ttlcache.Cache[string, lookup], name string) *ttlcache.Item[string, lookup] {
	var l lookup
	for _, a := range h.archives {
		b, err := a.ReadClass(name)
		if err != nil {
			if !errors.Is(err, ErrClassNotFound) {
				h.log.Info("failed to read class", "class", name, "path", a.Path(), "error", err)
			}
			continue
		}
		cls, err := classfile.Parse(b)
		if err != nil {
			h.log.Info("skipping malformed class", "class", name, "path", a.Path(), "error", err)
			continue
		}
		if cls.Name() != name {
			h.log.V(1).Info("class file declares another name", "class", name, "declared", cls.Name(), "path", a.Path())
			continue
		}
		l = lookup{info: analysis.InfoOf(cls), found: true}
		break
	}
	return c.Set(name, l, ttlcache.DefaultTTL)
}

// Len returns the number of cached lookups, including misses.
func (h *Hierarchy) Len() int { return h.cache.Len() }

// Close closes every archive of the class path.
func (h *Hierarchy) Close() (err error) {
	for _, a := range h.archives {
		err = multierr.Append(err, a.Close())
	}
	h.archives = nil
	return err
}
