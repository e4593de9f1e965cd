package inject

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
)

// AtKind selects where in a target method a handler is injected.
type AtKind int

const (
	// AtHead injects before the first instruction.
	AtHead AtKind = iota
	// AtReturn injects before every return instruction.
	AtReturn
	// AtTail injects before the last return instruction.
	AtTail
	// AtInvoke injects before every matching method invocation.
	AtInvoke
	// AtOffset injects before the instruction at a bytecode offset.
	AtOffset
)

var atNames = [...]string{"HEAD", "RETURN", "TAIL", "INVOKE", "OFFSET"}

func (k AtKind) String() string {
	if k >= 0 && int(k) < len(atNames) {
		return atNames[k]
	}
	return fmt.Sprintf("AtKind(%d)", int(k))
}

// ParseAtKind parses a selector name such as "HEAD" (case-insensitive).
func ParseAtKind(s string) (AtKind, error) {
	for i, n := range atNames {
		if strings.EqualFold(s, n) {
			return AtKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown injection point %q (want one of %s)", s, strings.Join(atNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (k AtKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AtKind) UnmarshalText(b []byte) (err error) {
	*k, err = ParseAtKind(string(b))
	return
}

// At is an instruction selector inside a target method.
type At struct {
	Kind AtKind
	// Target is the invocation to match for AtInvoke, written as
	// "Lowner;name(args)ret". Owner and descriptor may be omitted.
	Target string
	// Offset is the original bytecode offset for AtOffset.
	Offset int
	// Ordinal keeps only the n-th (0-based) match per method; -1 keeps all.
	Ordinal int
}

// Head selects the first instruction of a method.
func Head() At { return At{Kind: AtHead, Ordinal: -1} }

// Return selects every return instruction.
func Return() At { return At{Kind: AtReturn, Ordinal: -1} }

// Tail selects the last return instruction.
func Tail() At { return At{Kind: AtTail, Ordinal: -1} }

// Invoke selects calls to the method described by target ("Lowner;name(args)ret").
func Invoke(target string) At { return At{Kind: AtInvoke, Target: target, Ordinal: -1} }

// Offset selects the instruction at an original bytecode offset.
func Offset(offset int) At { return At{Kind: AtOffset, Offset: offset, Ordinal: -1} }

// Nth returns a copy of a that only keeps the n-th match.
func (a At) Nth(n int) At {
	a.Ordinal = n
	return a
}

func (a At) String() string {
	s := a.Kind.String()
	switch a.Kind {
	case AtInvoke:
		s += "(" + a.Target + ")"
	case AtOffset:
		s += fmt.Sprintf("(%d)", a.Offset)
	}
	if a.Ordinal >= 0 {
		s += fmt.Sprintf("[%d]", a.Ordinal)
	}
	return s
}

// ParseAt parses the String form of an At, e.g. "HEAD", "OFFSET(12)" or
// "INVOKE(Lcom/example/Foo;bar()V)[1]".
func ParseAt(s string) (At, error) {
	a := At{Ordinal: -1}
	rest := strings.TrimSpace(s)
	if strings.HasSuffix(rest, "]") {
		open := strings.LastIndexByte(rest, '[')
		if open < 0 {
			return a, fmt.Errorf("injection point %q: unbalanced ordinal brackets", s)
		}
		n, err := strconv.Atoi(rest[open+1 : len(rest)-1])
		if err != nil || n < 0 {
			return a, fmt.Errorf("injection point %q: bad ordinal", s)
		}
		a.Ordinal = n
		rest = rest[:open]
	}
	name, arg, hasArg := rest, "", false
	if open := strings.IndexByte(rest, '('); open >= 0 {
		if !strings.HasSuffix(rest, ")") {
			return a, fmt.Errorf("injection point %q: unbalanced parentheses", s)
		}
		name, arg, hasArg = rest[:open], rest[open+1:len(rest)-1], true
	}
	var err error
	if a.Kind, err = ParseAtKind(name); err != nil {
		return a, err
	}
	switch a.Kind {
	case AtInvoke:
		if arg == "" {
			return a, fmt.Errorf("injection point %q: INVOKE needs a target", s)
		}
		a.Target = arg
	case AtOffset:
		if a.Offset, err = strconv.Atoi(arg); err != nil {
			return a, fmt.Errorf("injection point %q: bad offset", s)
		}
	default:
		if hasArg {
			return a, fmt.Errorf("injection point %q: %s takes no argument", s, a.Kind)
		}
	}
	return a, nil
}

// check validates a selector.
func (a At) check() error {
	switch a.Kind {
	case AtHead, AtReturn, AtTail:
	case AtInvoke:
		if _, err := parseInvokeTarget(a.Target); err != nil {
			return err
		}
	case AtOffset:
		if a.Offset < 0 || a.Offset > 0xFFFF {
			return fmt.Errorf("offset %d out of range", a.Offset)
		}
	default:
		return fmt.Errorf("unknown injection point %s", a.Kind)
	}
	if a.Ordinal < -1 {
		return fmt.Errorf("ordinal %d out of range", a.Ordinal)
	}
	return nil
}

// Slice narrows the instructions searched by an At to the range from the
// first match of From to the last match of To, both inclusive.
type Slice struct {
	// From defaults to the first instruction of the method.
	From *At
	// To defaults to the last instruction of the method.
	To *At
}

func (s *Slice) String() string {
	from, to := "HEAD", "TAIL"
	if s.From != nil {
		from = s.From.String()
	}
	if s.To != nil {
		to = s.To.String()
	}
	return from + ".." + to
}

// Target names the methods a descriptor applies to.
type Target struct {
	// Class is an internal class name ("com/example/Foo") or a path.Match
	// pattern over internal names ("com/example/*").
	Class string
	// Method is the target method name.
	Method string
	// Desc is the method descriptor; empty matches every overload.
	Desc string
}

// IsPattern reports whether Class contains glob meta characters.
func (t Target) IsPattern() bool { return strings.ContainsAny(t.Class, `*?[\`) }

// MatchesClass reports whether the class with the given internal name is targeted.
func (t Target) MatchesClass(name string) bool {
	if !t.IsPattern() {
		return t.Class == name
	}
	ok, _ := path.Match(t.Class, name)
	return ok
}

// Matches reports whether a method is targeted.
func (t Target) Matches(name, desc string) bool {
	return t.Method == name && (t.Desc == "" || t.Desc == desc)
}

func (t Target) String() string { return t.Class + "." + t.Method + t.Desc }

// Handler references the method called at injection points.
type Handler struct {
	// Owner is the internal name of the class declaring the handler;
	// empty means the handler lives in the target class itself.
	Owner string
	Name  string
	// Desc is the handler descriptor. Handlers return void.
	Desc string
	// Static handlers are invoked without a receiver. Instance handlers
	// receive the target's this and may only be used from instance methods.
	Static bool
	// Interface marks an owner that is an interface.
	Interface bool
	// Private handlers are invoked with invokespecial.
	Private bool
}

func (h Handler) String() string {
	owner := h.Owner
	if owner == "" {
		owner = "<target>"
	}
	return owner + "." + h.Name + h.Desc
}

// Arg selects the value passed for one handler parameter.
// Without any selector the parameter receives the only candidate of its type.
type Arg struct {
	// Ordinal picks the n-th candidate of the parameter's type; -1 unset.
	Ordinal int
	// Index picks an absolute local variable slot; -1 unset.
	Index int
	// Names picks the candidate whose local variable table name is listed.
	Names []string
	// Local widens the candidates from the target's arguments to every
	// local variable live at the injection point.
	Local bool
	// Print logs the candidates considered.
	Print bool
}

// ArgOrdinal selects the n-th target argument of the parameter's type.
func ArgOrdinal(n int) *Arg { return &Arg{Ordinal: n, Index: -1} }

// ArgIndex selects an absolute local variable slot.
func ArgIndex(i int) *Arg { return &Arg{Ordinal: -1, Index: i} }

// ArgImplicit selects the only target argument of the parameter's type.
func ArgImplicit() *Arg { return &Arg{Ordinal: -1, Index: -1} }

// LocalOrdinal selects the n-th local variable of the parameter's type.
func LocalOrdinal(n int) *Arg { return &Arg{Ordinal: n, Index: -1, Local: true} }

// Strategy is how handler parameters are bound to target values.
type Strategy int

const (
	// Strict binds parameters by position: the target's parameters must be a
	// prefix of the handler's non-callback parameters.
	Strict Strategy = iota
	// Light binds every parameter through its Arg selector.
	Light
)

func (s Strategy) String() string {
	if s == Strict {
		return "STRICT"
	}
	return "LIGHT"
}

// Descriptor declares one injection. It is immutable once registered.
type Descriptor struct {
	ID     string
	Target Target
	At     At
	// Slice limits the instructions At is matched against; nil searches
	// the whole method.
	Slice   *Slice
	Handler Handler
	// Args is parallel to the handler's parameters; nil entries carry no
	// selector. Callback parameters never need one.
	Args []*Arg
	// Required makes zero matches fatal for the class.
	Required bool
	// Expect is the number of matches anticipated per class; fewer is a warning.
	Expect int
	// Allow caps the number of matches per class; more is an error.
	// Zero means no limit.
	Allow int
	// Cancellable lets the handler cancel the target through its callback.
	Cancellable bool
	// Print logs the target method listing after injection.
	Print bool

	resolved bool
	params   []bytecode.Type
	strategy Strategy
	seq      int
}

// Strategy returns the argument strategy resolved at registration.
func (d *Descriptor) Strategy() Strategy { return d.strategy }

// Params returns the parsed handler parameter types (after registration).
func (d *Descriptor) Params() []bytecode.Type { return d.params }

func (d *Descriptor) String() string { return d.ID }

// key identifies a descriptor for duplicate detection.
func (d *Descriptor) key() string {
	return d.ID + "|" + d.Target.Class + "|" + d.Target.Method + d.Target.Desc
}

// isCallbackInfo reports whether t is one of the callback info types.
func isCallbackInfo(t bytecode.Type) bool {
	if t.Sort != bytecode.SortObject {
		return false
	}
	n := t.InternalName()
	return n == analysis.CallbackInfoClass || n == analysis.CallbackInfoReturnableClass
}

// resolve validates d and returns a registered copy with the handler
// signature parsed and the argument strategy fixed.
func (d *Descriptor) resolve() (*Descriptor, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidDescriptor, d.ID, fmt.Sprintf(format, args...))
	}
	switch {
	case d.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidDescriptor)
	case d.Target.Class == "":
		return nil, invalid("missing target class")
	case d.Target.Method == "":
		return nil, invalid("missing target method")
	case d.Handler.Name == "" || d.Handler.Desc == "":
		return nil, invalid("missing handler name or descriptor")
	case d.Expect < 0:
		return nil, invalid("negative expect %d", d.Expect)
	case d.Allow < 0:
		return nil, invalid("negative allow %d", d.Allow)
	case d.Allow > 0 && d.Allow < d.Expect:
		return nil, invalid("allow %d is below expect %d", d.Allow, d.Expect)
	}
	if d.Target.IsPattern() {
		if _, err := path.Match(d.Target.Class, ""); err != nil {
			return nil, invalid("bad class pattern %q: %v", d.Target.Class, err)
		}
	}
	if d.Target.Desc != "" {
		if _, _, err := bytecode.ParseMethodType(d.Target.Desc); err != nil {
			return nil, invalid("bad target descriptor: %v", err)
		}
	}
	if err := d.At.check(); err != nil {
		return nil, invalid("%v", err)
	}
	if d.Slice != nil {
		for _, b := range []*At{d.Slice.From, d.Slice.To} {
			if b == nil {
				continue
			}
			if err := b.check(); err != nil {
				return nil, invalid("slice: %v", err)
			}
		}
	}

	params, ret, err := bytecode.ParseMethodType(d.Handler.Desc)
	if err != nil {
		return nil, invalid("bad handler descriptor: %v", err)
	}
	if ret.Sort != bytecode.SortVoid {
		return nil, invalid("handler %s must return void", d.Handler.Name)
	}
	if len(d.Args) > len(params) {
		return nil, invalid("%d argument selectors for %d handler parameters", len(d.Args), len(params))
	}

	r := *d
	r.resolved = true
	if d.Slice != nil {
		sl := Slice{}
		if d.Slice.From != nil {
			from := *d.Slice.From
			sl.From = &from
		}
		if d.Slice.To != nil {
			to := *d.Slice.To
			sl.To = &to
		}
		r.Slice = &sl
	}
	r.params = params
	r.Args = make([]*Arg, len(params))
	for i, a := range d.Args {
		if a == nil {
			continue
		}
		if isCallbackInfo(params[i]) {
			return nil, invalid("parameter %d is a callback and takes no selector", i)
		}
		if a.Ordinal < -1 || a.Index < -1 {
			return nil, invalid("parameter %d: negative selector", i)
		}
		cp := *a
		cp.Names = append([]string(nil), a.Names...)
		r.Args[i] = &cp
	}
	r.strategy = Light
	for i, p := range params {
		if !isCallbackInfo(p) && r.Args[i] == nil {
			r.strategy = Strict
			break
		}
	}
	return &r, nil
}

// resolveAll resolves descriptors that did not go through a Registry.
func resolveAll(descs []*Descriptor) ([]*Descriptor, error) {
	out := make([]*Descriptor, len(descs))
	for i, d := range descs {
		if d.resolved {
			out[i] = d
			continue
		}
		rd, err := d.resolve()
		if err != nil {
			return nil, err
		}
		rd.seq = i
		out[i] = rd
	}
	return out, nil
}

// invokeTarget is a parsed AtInvoke target.
type invokeTarget struct {
	owner, name, desc string
}

// parseInvokeTarget parses "Lowner;name(args)ret"; owner and descriptor are optional.
func parseInvokeTarget(s string) (invokeTarget, error) {
	var t invokeTarget
	rest := s
	if strings.HasPrefix(rest, "L") {
		if end := strings.IndexByte(rest, ';'); end > 0 {
			t.owner, rest = rest[1:end], rest[end+1:]
		}
	}
	if i := strings.IndexByte(rest, '('); i >= 0 {
		t.name, t.desc = rest[:i], rest[i:]
		if _, _, err := bytecode.ParseMethodType(t.desc); err != nil {
			return t, fmt.Errorf("bad invoke target %q: %w", s, err)
		}
	} else {
		t.name = rest
	}
	if t.name == "" {
		return t, fmt.Errorf("bad invoke target %q: missing method name", s)
	}
	return t, nil
}

func (t invokeTarget) matches(owner, name, desc string) bool {
	return t.name == name && (t.owner == "" || t.owner == owner) && (t.desc == "" || t.desc == desc)
}
