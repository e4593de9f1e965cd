package inject

import (
	"fmt"
	"slices"

	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/internal/suggest"
)

// Point is a resolved injection location.
type Point struct {
	Desc *Descriptor
	// Class is the internal name of the target class.
	Class string
	// Method is the target method's name+descriptor.
	Method string
	// Offset is the original bytecode offset of the instruction the handler
	// call is inserted before.
	Offset int
	Kind   AtKind
}

func (p Point) String() string {
	return fmt.Sprintf("%s@%s.%s:%d", p.Desc.ID, p.Class, p.Method, p.Offset)
}

// Located is the outcome of Locate.
type Located struct {
	Points   []Point
	Warnings []*UnmatchedInjectionWarning
}

// Suggestion tuning for unmatched required targets.
const (
	suggestMinScore = 0.5
	suggestMax      = 3
)

// Locate finds every location in c matched by descs. Descriptors whose class
// pattern does not match c are ignored. Matches are never de-duplicated.
// A required descriptor without matches fails with
// *UnmatchedRequiredInjectionError; optional ones yield warnings. More
// matches than a descriptor allows fail with *ExcessInjectionError.
func Locate(c *classfile.Class, descs []*Descriptor) (*Located, error) {
	descs, err := resolveAll(descs)
	if err != nil {
		return nil, err
	}
	l := &locator{class: c, decoded: map[*classfile.Member]*bytecode.Method{}}
	out := &Located{}
	for _, d := range descs {
		if !d.Target.MatchesClass(c.Name()) {
			continue
		}
		points, reason, err := l.find(d)
		if err != nil {
			return nil, err
		}
		switch {
		case len(points) == 0 && d.Required:
			return nil, &UnmatchedRequiredInjectionError{
				ID:          d.ID,
				Class:       c.Name(),
				Target:      d.Target.Method + d.Target.Desc,
				Reason:      reason,
				Suggestions: l.suggest(d.Target),
			}
		case d.Allow > 0 && len(points) > d.Allow:
			return nil, &ExcessInjectionError{ID: d.ID, Class: c.Name(), Found: len(points), Allowed: d.Allow}
		case len(points) == 0 || len(points) < d.Expect:
			out.Warnings = append(out.Warnings, &UnmatchedInjectionWarning{
				ID:       d.ID,
				Class:    c.Name(),
				Target:   d.Target.Method + d.Target.Desc + " " + d.At.String(),
				Found:    len(points),
				Expected: max(d.Expect, 1),
			})
		}
		out.Points = append(out.Points, points...)
	}
	return out, nil
}

type locator struct {
	class   *classfile.Class
	decoded map[*classfile.Member]*bytecode.Method
}

// code decodes a method body once per Locate call. It returns nil for
// abstract and native methods.
func (l *locator) code(m *classfile.Member) (*bytecode.Method, error) {
	if bm, ok := l.decoded[m]; ok {
		return bm, nil
	}
	code, err := m.Code(l.class.Pool)
	if err != nil || code == nil {
		return nil, err
	}
	bm, err := bytecode.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", l.class.Name(), m.Key(), err)
	}
	l.decoded[m] = bm
	return bm, nil
}

// find returns the points of d in the class and, when there are none, why.
func (l *locator) find(d *Descriptor) ([]Point, string, error) {
	var (
		points  []Point
		methods int
		reason  string
	)
	for _, m := range l.class.Methods {
		if !d.Target.Matches(m.Name, m.Descriptor) {
			continue
		}
		methods++
		bm, err := l.code(m)
		if err != nil {
			return nil, "", err
		}
		if bm == nil {
			reason = fmt.Sprintf("method %s has no code", m.Key())
			continue
		}
		insns, err := l.slice(d, m, bm.Instructions())
		if err != nil {
			return nil, "", err
		}
		matched, err := l.match(d.At, insns)
		if err != nil {
			return nil, "", err
		}
		for _, idx := range matched {
			points = append(points, Point{
				Desc:   d,
				Class:  l.class.Name(),
				Method: m.Key(),
				Offset: insns[idx].Offset,
				Kind:   d.At.Kind,
			})
		}
	}
	if len(points) == 0 {
		switch {
		case methods == 0:
			reason = fmt.Sprintf("no method %s", d.Target.Method+d.Target.Desc)
		case reason == "":
			reason = fmt.Sprintf("no instruction matches %s", d.At)
		}
	}
	return points, reason, nil
}

// slice narrows insns to the range selected by the descriptor's Slice.
func (l *locator) slice(d *Descriptor, m *classfile.Member, insns []*bytecode.Insn) ([]*bytecode.Insn, error) {
	if d.Slice == nil || len(insns) == 0 {
		return insns, nil
	}
	invalid := func(format string, args ...any) error {
		return &InvalidSliceError{ID: d.ID, Class: l.class.Name(), Method: m.Key(), Reason: fmt.Sprintf(format, args...)}
	}
	start, end := 0, len(insns)-1
	if from := d.Slice.From; from != nil {
		idx, err := l.match(*from, insns)
		if err != nil {
			return nil, err
		}
		if len(idx) == 0 {
			return nil, invalid("from %s matches nothing", from)
		}
		start = idx[0]
	}
	if to := d.Slice.To; to != nil {
		idx, err := l.match(*to, insns)
		if err != nil {
			return nil, err
		}
		if len(idx) == 0 {
			return nil, invalid("to %s matches nothing", to)
		}
		end = idx[len(idx)-1]
	}
	if end < start {
		return nil, invalid("to %s is before from %s", d.Slice.To, d.Slice.From)
	}
	return insns[start : end+1], nil
}

// match returns the indexes into insns of the instructions selected by at,
// with its ordinal applied. HEAD is the first instruction, so in a
// constructor it precedes the super or this constructor call.
func (l *locator) match(at At, insns []*bytecode.Insn) ([]int, error) {
	var idx []int
	switch at.Kind {
	case AtHead:
		if len(insns) > 0 {
			idx = append(idx, 0)
		}
	case AtReturn, AtTail:
		for i, insn := range insns {
			if insn.Op.IsReturn() {
				idx = append(idx, i)
			}
		}
		if at.Kind == AtTail && len(idx) > 1 {
			idx = idx[len(idx)-1:]
		}
	case AtInvoke:
		target, err := parseInvokeTarget(at.Target)
		if err != nil {
			return nil, err
		}
		for i, insn := range insns {
			if !insn.Op.IsInvoke() || insn.Op == bytecode.INVOKEDYNAMIC {
				continue
			}
			ref, err := l.class.Pool.MemberRef(insn.Index)
			if err != nil {
				return nil, &classfile.MalformedClassError{
					Class: l.class.Name(), Offset: insn.Offset, Reason: "bad method reference", Err: err,
				}
			}
			if target.matches(ref.Owner, ref.Name, ref.Descriptor) {
				idx = append(idx, i)
			}
		}
	case AtOffset:
		for i, insn := range insns {
			if insn.Offset == at.Offset {
				idx = append(idx, i)
				break
			}
		}
	}
	if at.Ordinal >= 0 {
		if at.Ordinal < len(idx) {
			idx = idx[at.Ordinal : at.Ordinal+1]
		} else {
			idx = nil
		}
	}
	return idx, nil
}

// suggest lists methods of the class resembling the target.
func (l *locator) suggest(t Target) []string {
	var names []string
	given := t.Method + t.Desc
	for _, m := range l.class.Methods {
		name := m.Name
		if t.Desc != "" {
			name = m.Key()
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return suggest.Closest(given, names, suggestMinScore, suggestMax)
}
