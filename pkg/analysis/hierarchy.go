package analysis

import (
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/cbyrne/betterinject/pkg/classfile"
)

// ClassInfo is what the analyzer needs to know about a class to merge types.
type ClassInfo struct {
	Name      string
	Super     string // "" for java/lang/Object
	Interface bool
}

// Hierarchy resolves classes by internal name.
type Hierarchy interface {
	Lookup(name string) (ClassInfo, bool)
}

// MapHierarchy is a fixed set of classes.
type MapHierarchy map[string]ClassInfo

func (m MapHierarchy) Lookup(name string) (ClassInfo, bool) {
	ci, ok := m[name]
	return ci, ok
}

// Add registers a class by its parsed form.
func (m MapHierarchy) Add(c *classfile.Class) {
	m[c.Name()] = InfoOf(c)
}

// InfoOf extracts the ClassInfo of a parsed class.
func InfoOf(c *classfile.Class) ClassInfo {
	return ClassInfo{Name: c.Name(), Super: c.SuperName(), Interface: c.IsInterface()}
}

// Chain consults each hierarchy in order.
type Chain []Hierarchy

func (c Chain) Lookup(name string) (ClassInfo, bool) {
	for _, h := range c {
		if h == nil {
			continue
		}
		if ci, ok := h.Lookup(name); ok {
			return ci, true
		}
	}
	return ClassInfo{}, false
}

// Builtin knows the platform classes injected code commonly meets.
var Builtin = MapHierarchy{}

func init() {
	for _, c := range [][3]string{
		{"java/lang/Object", ""},
		{"java/lang/String", "java/lang/Object"},
		{"java/lang/Class", "java/lang/Object"},
		{"java/lang/Number", "java/lang/Object"},
		{"java/lang/Boolean", "java/lang/Object"},
		{"java/lang/Character", "java/lang/Object"},
		{"java/lang/Byte", "java/lang/Number"},
		{"java/lang/Short", "java/lang/Number"},
		{"java/lang/Integer", "java/lang/Number"},
		{"java/lang/Long", "java/lang/Number"},
		{"java/lang/Float", "java/lang/Number"},
		{"java/lang/Double", "java/lang/Number"},
		{"java/lang/Enum", "java/lang/Object"},
		{"java/lang/Record", "java/lang/Object"},
		{"java/lang/StringBuilder", "java/lang/Object"},
		{"java/lang/Throwable", "java/lang/Object"},
		{"java/lang/Exception", "java/lang/Throwable"},
		{"java/lang/Error", "java/lang/Throwable"},
		{"java/lang/RuntimeException", "java/lang/Exception"},
		{"java/lang/IllegalStateException", "java/lang/RuntimeException"},
		{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
		{"java/lang/NullPointerException", "java/lang/RuntimeException"},
		{"java/lang/UnsupportedOperationException", "java/lang/RuntimeException"},
		{"java/io/IOException", "java/lang/Exception"},
		{"java/util/ArrayList", "java/lang/Object"},
		{"java/util/HashMap", "java/lang/Object"},
		{CallbackInfoClass, "java/lang/Object"},
		{CallbackInfoReturnableClass, CallbackInfoClass},
	} {
		Builtin[c[0]] = ClassInfo{Name: c[0], Super: c[1]}
	}
	for _, name := range []string{
		"java/lang/Runnable", "java/lang/Comparable", "java/lang/CharSequence", "java/lang/Iterable",
		"java/lang/Cloneable", "java/io/Serializable", "java/util/Collection", "java/util/List",
		"java/util/Map", "java/util/Set", "java/util/function/Supplier", "java/util/function/Consumer",
		"java/util/function/Function", "org/spongepowered/asm/mixin/injection/callback/Cancellable",
	} {
		Builtin[name] = ClassInfo{Name: name, Super: objectClass, Interface: true}
	}
}

// Callback classes passed to injection handlers.
const (
	CallbackInfoClass           = "org/spongepowered/asm/mixin/injection/callback/CallbackInfo"
	CallbackInfoReturnableClass = "org/spongepowered/asm/mixin/injection/callback/CallbackInfoReturnable"
)

// UnknownClassError is returned when a merge or assignability check needs a
// class the hierarchy cannot resolve.
type UnknownClassError struct {
	Name string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("class %s is not on the class path", e.Name)
}

// SuperCache memoizes common super class lookups in a bounded LRU.
// It is safe for concurrent use and may be shared between analyzers.
type SuperCache struct {
	mu    sync.Mutex // protects cache
	cache *lru.Cache
}

// NewSuperCache returns a cache holding up to maxEntries results.
func NewSuperCache(maxEntries int) *SuperCache {
	return &SuperCache{cache: lru.New(maxEntries)}
}

type superKey struct{ a, b string }

func (s *SuperCache) get(a, b string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(superKey{a, b}); ok {
		return v.(string), true
	}
	return "", false
}

func (s *SuperCache) add(a, b, super string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cache.Add(superKey{a, b}, super)
	s.cache.Add(superKey{b, a}, super)
	s.mu.Unlock()
}

// Len returns the number of cached results.
func (s *SuperCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// types resolves class relationships through a Hierarchy.
type types struct {
	h      Hierarchy
	supers *SuperCache
}

func (t types) lookup(name string) (ClassInfo, error) {
	if t.h != nil {
		if ci, ok := t.h.Lookup(name); ok {
			return ci, nil
		}
	}
	if ci, ok := Builtin.Lookup(name); ok {
		return ci, nil
	}
	return ClassInfo{}, &UnknownClassError{Name: name}
}

// commonSuper returns the most specific class both a and b extend.
// Interfaces merge to java/lang/Object; arrays merge as in arraySuper.
func (t types) commonSuper(a, b string) (string, error) {
	if a == b {
		return a, nil
	}
	if a == objectClass || b == objectClass {
		return objectClass, nil
	}
	if isArray(a) || isArray(b) {
		return t.arraySuper(a, b)
	}
	if s, ok := t.supers.get(a, b); ok {
		return s, nil
	}
	ca, err := t.lookup(a)
	if err != nil {
		return "", err
	}
	cb, err := t.lookup(b)
	if err != nil {
		return "", err
	}
	if ca.Interface || cb.Interface {
		t.supers.add(a, b, objectClass)
		return objectClass, nil
	}
	chain := map[string]bool{}
	for c := ca; ; {
		chain[c.Name] = true
		if c.Super == "" {
			break
		}
		if c, err = t.lookup(c.Super); err != nil {
			return "", err
		}
	}
	for c := cb; ; {
		if chain[c.Name] {
			t.supers.add(a, b, c.Name)
			return c.Name, nil
		}
		if c.Super == "" {
			break
		}
		if c, err = t.lookup(c.Super); err != nil {
			return "", err
		}
	}
	t.supers.add(a, b, objectClass)
	return objectClass, nil
}

// arraySuper merges two classes of which at least one is an array.
// Arrays with reference components merge component-wise, so String[] and
// Integer[] give Object[] and int[][] and long[][] give Object[]. A primitive
// component mismatch or an array against a plain class gives Object.
func (t types) arraySuper(a, b string) (string, error) {
	if !isArray(a) || !isArray(b) {
		return objectClass, nil
	}
	ea, _ := elementOf(a)
	eb, _ := elementOf(b)
	if ea.Kind != Ref || eb.Kind != Ref {
		return objectClass, nil
	}
	s, err := t.commonSuper(ea.Class, eb.Class)
	if err != nil {
		return "", err
	}
	if isArray(s) {
		return "[" + s, nil
	}
	return "[L" + s + ";", nil
}

// assignable reports whether a reference of class from may be stored where
// class to is expected, following the verifier's relaxed interface rule.
func (t types) assignable(to, from string) (bool, error) {
	if to == from || to == objectClass {
		return true, nil
	}
	if isArray(to) {
		if !isArray(from) {
			return false, nil
		}
		te, _ := elementOf(to)
		fe, _ := elementOf(from)
		if te.Kind != Ref || fe.Kind != Ref {
			return te == fe, nil
		}
		return t.assignable(te.Class, fe.Class)
	}
	if isArray(from) {
		return to == "java/lang/Cloneable" || to == "java/io/Serializable", nil
	}
	ct, err := t.lookup(to)
	if err != nil {
		return false, err
	}
	if ct.Interface {
		return true, nil
	}
	for c := from; c != ""; {
		if c == to {
			return true, nil
		}
		ci, err := t.lookup(c)
		if err != nil {
			return false, err
		}
		c = ci.Super
	}
	return false, nil
}

// merge joins two values reaching the same point. ok is false when the
// values cannot be unified, in which case the result is Top.
func (t types) merge(a, b Value) (v Value, ok bool, err error) {
	if a == b {
		return a, true, nil
	}
	switch {
	case a.Kind == Null && b.Kind == Ref:
		return b, true, nil
	case a.Kind == Ref && b.Kind == Null:
		return a, true, nil
	case a.Kind == Ref && b.Kind == Ref:
		s, err := t.commonSuper(a.Class, b.Class)
		if err != nil {
			return TopValue, false, err
		}
		return RefValue(s), true, nil
	}
	return TopValue, false, nil
}
