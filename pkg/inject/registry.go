package inject

import (
	"slices"
	"sync"

	"github.com/zyedidia/generic/mapset"
	"github.com/zyedidia/generic/multimap"
)

// Registry collects descriptors during discovery. Freeze ends discovery and
// returns the read-only Index used while rewriting.
type Registry struct {
	mu     sync.Mutex
	frozen *Index
	keys   mapset.Set[string]
	descs  []*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: mapset.New[string]()}
}

// Register validates and adds descriptors. The batch is atomic: if any
// descriptor is invalid or a duplicate, none are added.
func (r *Registry) Register(descs ...*Descriptor) error {
	resolved := make([]*Descriptor, 0, len(descs))
	for _, d := range descs {
		rd, err := d.resolve()
		if err != nil {
			return err
		}
		resolved = append(resolved, rd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return ErrRegistryFrozen
	}
	batch := mapset.New[string]()
	for _, d := range resolved {
		k := d.key()
		if r.keys.Has(k) || batch.Has(k) {
			return &DuplicateInjectionError{
				ID:     d.ID,
				Class:  d.Target.Class,
				Method: d.Target.Method + d.Target.Desc,
			}
		}
		batch.Put(k)
	}
	for _, d := range resolved {
		d.seq = len(r.descs)
		r.keys.Put(d.key())
		r.descs = append(r.descs, d)
	}
	return nil
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.descs)
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen != nil
}

// Freeze ends registration and returns the index. Calling it again returns
// the same index.
func (r *Registry) Freeze() *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return r.frozen
	}
	x := &Index{
		exact: multimap.NewMapSlice[string, *Descriptor](),
		all:   slices.Clone(r.descs),
	}
	for _, d := range r.descs {
		if d.Target.IsPattern() {
			x.patterns = append(x.patterns, d)
		} else {
			x.exact.Put(d.Target.Class, d)
		}
	}
	r.frozen = x
	return x
}

// Index is the frozen descriptor set. It is safe for concurrent use.
type Index struct {
	exact    multimap.MultiMap[string, *Descriptor]
	patterns []*Descriptor
	all      []*Descriptor
}

// Lookup returns the descriptors targeting the class with the given internal
// name, in registration order.
func (x *Index) Lookup(class string) []*Descriptor {
	if x == nil {
		return nil
	}
	out := slices.Clone(x.exact.Get(class))
	for _, d := range x.patterns {
		if d.Target.MatchesClass(class) {
			out = append(out, d)
		}
	}
	if len(x.patterns) != 0 {
		slices.SortFunc(out, func(a, b *Descriptor) int { return a.seq - b.seq })
	}
	return out
}

// Descriptors returns every registered descriptor in registration order.
func (x *Index) Descriptors() []*Descriptor {
	if x == nil {
		return nil
	}
	return slices.Clone(x.all)
}

// Len returns the number of descriptors.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.all)
}
