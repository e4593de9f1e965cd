// Package source reads injection descriptors from YAML files.
//
// A file holds a list of injections:
//
//	injections:
//	  - id: log-entry
//	    class: com/example/Service
//	    method: handle(Ljava/lang/String;)V
//	    at: HEAD
//	    handler:
//	      owner: com/example/Hooks
//	      name: onHandle
//	      desc: (Ljava/lang/String;)V
//	      static: true
//	    required: true
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cbyrne/betterinject/pkg/inject"
)

// File is the root of a descriptor file.
type File struct {
	Injections []Injection `yaml:"injections" json:"injections"`
}

// Injection is a single descriptor as written in a file.
type Injection struct {
	ID string `yaml:"id" json:"id"`
	// Class is an internal class name or a pattern over internal names.
	Class string `yaml:"class" json:"class"`
	// Method is a method name, optionally followed by its descriptor.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Methods targets several methods with the same handler.
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	At      *At      `yaml:"at" json:"at"`
	Handler Handler  `yaml:"handler" json:"handler"`
	// Args has one entry per handler parameter; null entries are bound
	// by position.
	Args     []*Arg `yaml:"args,omitempty" json:"args,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Expect   int    `yaml:"expect,omitempty" json:"expect,omitempty"`
	// Allow caps the matches per class; zero means no limit.
	Allow int `yaml:"allow,omitempty" json:"allow,omitempty"`
	// Slice bounds the instructions At is matched against.
	Slice       *Slice `yaml:"slice,omitempty" json:"slice,omitempty"`
	Cancellable bool   `yaml:"cancellable,omitempty" json:"cancellable,omitempty"`
	Print       bool   `yaml:"print,omitempty" json:"print,omitempty"`
}

// Handler is the method called at the injection point.
type Handler struct {
	// Owner is the internal name of the declaring class. Empty means the
	// target class.
	Owner     string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Name      string `yaml:"name" json:"name"`
	Desc      string `yaml:"desc" json:"desc"`
	Static    bool   `yaml:"static,omitempty" json:"static,omitempty"`
	Interface bool   `yaml:"interface,omitempty" json:"interface,omitempty"`
	Private   bool   `yaml:"private,omitempty" json:"private,omitempty"`
}

// Arg selects the value passed for one handler parameter.
type Arg struct {
	Ordinal *int     `yaml:"ordinal,omitempty" json:"ordinal,omitempty"`
	Index   *int     `yaml:"index,omitempty" json:"index,omitempty"`
	Names   []string `yaml:"names,omitempty" json:"names,omitempty"`
	Local   bool     `yaml:"local,omitempty" json:"local,omitempty"`
	Print   bool     `yaml:"print,omitempty" json:"print,omitempty"`
}

// Slice bounds the search of an injection point to the instructions from
// the first match of From to the last match of To.
type Slice struct {
	From *At `yaml:"from,omitempty" json:"from,omitempty"`
	To   *At `yaml:"to,omitempty" json:"to,omitempty"`
}

func (s *Slice) slice() *inject.Slice {
	if s == nil {
		return nil
	}
	out := &inject.Slice{}
	if s.From != nil {
		from := s.From.At
		out.From = &from
	}
	if s.To != nil {
		to := s.To.At
		out.To = &to
	}
	return out
}

// At is an injection point. In YAML it is either the short form
// ("HEAD", "INVOKE(Lcom/example/Foo;bar()V)[0]") or a mapping with kind,
// target, offset and ordinal keys.
type At struct {
	inject.At
}

var atKeys = []string{"kind", "target", "offset", "ordinal"}

type atMapping struct {
	Kind    string `yaml:"kind"`
	Target  string `yaml:"target,omitempty"`
	Offset  int    `yaml:"offset,omitempty"`
	Ordinal *int   `yaml:"ordinal,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *At) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		at, err := inject.ParseAt(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		a.At = at
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if k := n.Content[i]; !slices.Contains(atKeys, k.Value) {
				return fmt.Errorf("line %d: field %s not found in injection point", k.Line, k.Value)
			}
		}
		var m atMapping
		if err := n.Decode(&m); err != nil {
			return err
		}
		kind, err := inject.ParseAtKind(m.Kind)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		a.At = inject.At{Kind: kind, Target: m.Target, Offset: m.Offset, Ordinal: -1}
		if m.Ordinal != nil {
			a.Ordinal = *m.Ordinal
		}
		return nil
	}
	return fmt.Errorf("line %d: injection point must be a string or a mapping", n.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (a At) MarshalYAML() (any, error) {
	return a.String(), nil
}

// Parse decodes a descriptor file. Unknown keys are rejected.
func Parse(b []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	f := new(File)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing descriptors: %w", err)
	}
	return f, nil
}

// Load reads and parses a descriptor file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading descriptor file: %w", err)
	}
	f, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Merge appends the injections of other files to f.
func (f *File) Merge(others ...*File) *File {
	out := &File{Injections: append([]Injection(nil), f.Injections...)}
	for _, o := range others {
		if o != nil {
			out.Injections = append(out.Injections, o.Injections...)
		}
	}
	return out
}

// Validate validates a File.
func (f *File) Validate() (warns []error, errs []error) {
	if f == nil {
		return nil, []error{errors.New("descriptor file must not be nil")}
	}
	if len(f.Injections) == 0 {
		warns = append(warns, errors.New("no injections defined"))
	}
	for i := range f.Injections {
		w, e := f.Injections[i].Validate()
		warns = append(warns, w...)
		errs = append(errs, e...)
	}
	if len(errs) != 0 {
		return
	}
	// catch duplicates across entries
	ds, err := f.Descriptors()
	if err == nil {
		err = inject.NewRegistry().Register(ds...)
	}
	if err != nil {
		errs = append(errs, err)
	}
	return
}

// Validate validates an Injection. Errors here would make the registry
// reject its descriptors; warnings flag settings that have no effect.
func (in *Injection) Validate() (warns []error, errs []error) {
	name := in.ID
	if name == "" {
		name = "<unnamed>"
	}
	e := func(m string, args ...any) {
		errs = append(errs, fmt.Errorf("injection %q: "+m, append([]any{name}, args...)...))
	}
	w := func(m string, args ...any) {
		warns = append(warns, fmt.Errorf("injection %q: "+m, append([]any{name}, args...)...))
	}

	if in.ID == "" {
		e("missing id")
	}
	if in.Class == "" {
		e("missing class")
	} else if strings.Contains(in.Class, ".") {
		e("class %q must be an internal name using slashes", in.Class)
	} else if strings.Trim(in.Class, "*/") == "" {
		w("class pattern %q matches every class", in.Class)
	}
	if in.At == nil {
		e("missing at")
	}
	if in.Method == "" && len(in.Methods) == 0 {
		e("missing method")
	}
	if in.Method != "" && len(in.Methods) != 0 {
		e("method and methods are mutually exclusive")
	}
	if in.Handler.Name == "" || in.Handler.Desc == "" {
		e("handler needs a name and a descriptor")
	}
	if in.Slice != nil && in.Slice.From == nil && in.Slice.To == nil {
		w("slice without from or to has no effect")
	}
	if in.Cancellable && !strings.Contains(in.Handler.Desc, "/CallbackInfo") {
		w("cancellable has no effect without a CallbackInfo parameter")
	}
	for i, a := range in.Args {
		if a == nil {
			continue
		}
		if a.Ordinal != nil && a.Index != nil {
			e("argument %d: ordinal and index are mutually exclusive", i)
		}
		if a.Index != nil && len(a.Names) != 0 {
			w("argument %d: names are ignored when index is set", i)
		}
	}
	if len(errs) != 0 {
		return
	}
	ds, err := in.Descriptors()
	if err == nil {
		err = inject.NewRegistry().Register(ds...)
	}
	if err != nil {
		errs = append(errs, err)
	}
	return
}

// Descriptors converts a File into injection descriptors.
func (f *File) Descriptors() ([]*inject.Descriptor, error) {
	var out []*inject.Descriptor
	for i := range f.Injections {
		ds, err := f.Injections[i].Descriptors()
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

// Descriptors converts an Injection into one descriptor per target method.
func (in *Injection) Descriptors() ([]*inject.Descriptor, error) {
	if in.At == nil {
		return nil, fmt.Errorf("%w %q: missing at", inject.ErrInvalidDescriptor, in.ID)
	}
	methods := in.Methods
	if in.Method != "" {
		methods = []string{in.Method}
	}
	var args []*inject.Arg
	if len(in.Args) != 0 {
		args = make([]*inject.Arg, len(in.Args))
		for i, a := range in.Args {
			if a != nil {
				args[i] = a.arg()
			}
		}
	}
	out := make([]*inject.Descriptor, 0, len(methods))
	for _, m := range methods {
		name, desc := splitMethod(m)
		if name == "" {
			return nil, fmt.Errorf("%w %q: empty method name in %q", inject.ErrInvalidDescriptor, in.ID, m)
		}
		out = append(out, &inject.Descriptor{
			ID:     in.ID,
			Target: inject.Target{Class: in.Class, Method: name, Desc: desc},
			At:     in.At.At,
			Slice:  in.Slice.slice(),
			Handler: inject.Handler{
				Owner:     in.Handler.Owner,
				Name:      in.Handler.Name,
				Desc:      in.Handler.Desc,
				Static:    in.Handler.Static,
				Interface: in.Handler.Interface,
				Private:   in.Handler.Private,
			},
			Args:        args,
			Required:    in.Required,
			Expect:      in.Expect,
			Allow:       in.Allow,
			Cancellable: in.Cancellable,
			Print:       in.Print,
		})
	}
	return out, nil
}

func (a *Arg) arg() *inject.Arg {
	out := &inject.Arg{Ordinal: -1, Index: -1, Names: a.Names, Local: a.Local, Print: a.Print}
	if a.Ordinal != nil {
		out.Ordinal = *a.Ordinal
	}
	if a.Index != nil {
		out.Index = *a.Index
	}
	return out
}

// splitMethod splits "name(desc)ret" into its name and descriptor.
func splitMethod(s string) (name, desc string) {
	if i := strings.IndexByte(s, '('); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}
