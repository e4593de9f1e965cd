package inject

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-logr/logr"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/verify"
)

// Options configures Splice.
type Options struct {
	// Hierarchy resolves super classes when frames merge. The spliced class
	// itself is always known.
	Hierarchy analysis.Hierarchy
	// Supers memoizes common super class lookups across calls.
	Supers *analysis.SuperCache
	// Log receives method listings of descriptors with Print set.
	Log logr.Logger
}

// Splice returns a copy of c with handler calls inserted at points.
// Points within a method are applied in descending offset order, so the
// order of points never changes the result. Two points sharing an
// instruction fail with *ConflictingInjectionError; a handler that does not
// fit the frame at its point fails with *IncompatibleHandlerError before any
// code is inserted.
func Splice(c *classfile.Class, points []Point, opts Options) (*classfile.Class, error) {
	groups, err := groupPoints(c.Name(), points)
	if err != nil {
		return nil, err
	}
	out := c.Clone()
	if len(groups) == 0 {
		return out, nil
	}
	s := &splicer{
		class: out,
		opts:  opts,
		analyzer: &analysis.Analyzer{
			Owner:     out.Name(),
			Pool:      out.Pool,
			Hierarchy: analysis.Chain{analysis.MapHierarchy{out.Name(): analysis.InfoOf(out)}, opts.Hierarchy},
			Supers:    opts.Supers,
		},
	}
	for _, m := range out.Methods {
		ps, ok := groups[m.Key()]
		if !ok {
			continue
		}
		delete(groups, m.Key())
		if err := s.method(m, ps); err != nil {
			return nil, err
		}
	}
	if len(groups) != 0 {
		missing := make([]string, 0, len(groups))
		for k := range groups {
			missing = append(missing, k)
		}
		slices.Sort(missing)
		return nil, fmt.Errorf("%s has no method %s", c.Name(), strings.Join(missing, ", "))
	}
	return out, nil
}

// groupPoints resolves descriptors, groups points by method and orders each
// group by descending offset. Points sharing an offset are a conflict.
func groupPoints(class string, points []Point) (map[string][]Point, error) {
	resolved := map[*Descriptor]*Descriptor{}
	groups := map[string][]Point{}
	for _, p := range points {
		if p.Desc == nil {
			return nil, errors.New("injection point without descriptor")
		}
		if p.Class != class {
			return nil, fmt.Errorf("injection point %s does not belong to %s", p, class)
		}
		d, ok := resolved[p.Desc]
		if !ok {
			rs, err := resolveAll([]*Descriptor{p.Desc})
			if err != nil {
				return nil, err
			}
			d = rs[0]
			resolved[p.Desc] = d
		}
		p.Desc = d
		groups[p.Method] = append(groups[p.Method], p)
	}
	for method, ps := range groups {
		slices.SortFunc(ps, func(a, b Point) int {
			if c := cmp.Compare(b.Offset, a.Offset); c != 0 {
				return c
			}
			return strings.Compare(a.Desc.ID, b.Desc.ID)
		})
		for i := 1; i < len(ps); i++ {
			if ps[i].Offset == ps[i-1].Offset {
				return nil, &ConflictingInjectionError{
					Class:  class,
					Method: method,
					Offset: ps[i].Offset,
					First:  ps[i-1].Desc.ID,
					Second: ps[i].Desc.ID,
				}
			}
		}
	}
	return groups, nil
}

type splicer struct {
	class    *classfile.Class
	opts     Options
	analyzer *analysis.Analyzer
}

func (s *splicer) incompatible(p Point, format string, args ...any) error {
	return &IncompatibleHandlerError{
		ID:     p.Desc.ID,
		Class:  s.class.Name(),
		Method: p.Method,
		Offset: p.Offset,
		Reason: fmt.Sprintf(format, args...),
	}
}

// method splices the points of one method, which are sorted by descending offset.
func (s *splicer) method(m *classfile.Member, points []Point) error {
	pool := s.class.Pool
	code, err := m.Code(pool)
	if err != nil {
		return err
	}
	if code == nil {
		return s.incompatible(points[0], "method has no code")
	}
	bm, err := bytecode.Decode(code)
	if err != nil {
		return err
	}
	before, err := s.analyzer.Analyze(m.Access, m.Name, m.Descriptor, bm)
	if err != nil {
		return fmt.Errorf("analyze %s.%s: %w", s.class.Name(), m.Key(), err)
	}

	at := map[int]int{}
	for i, insn := range bm.Insns {
		if insn.Op != bytecode.OpLabel {
			at[insn.Offset] = i
		}
	}

	site, err := newSite(s, m, bm)
	if err != nil {
		return err
	}
	// Build every sequence against the unmodified method first so a bad
	// handler leaves nothing half spliced.
	type splice struct {
		target *bytecode.Insn
		insns  []*bytecode.Insn
	}
	splices := make([]splice, 0, len(points))
	for _, p := range points {
		i, ok := at[p.Offset]
		if !ok {
			return s.incompatible(p, "offset is not an instruction start")
		}
		frame := before.Frames[i]
		if frame == nil {
			return s.incompatible(p, "instruction is unreachable")
		}
		insns, err := site.build(p, bm.Insns[i], frame)
		if err != nil {
			return err
		}
		splices = append(splices, splice{target: bm.Insns[i], insns: insns})
	}
	for _, sp := range splices {
		if err := bm.InsertBefore(sp.target, sp.insns...); err != nil {
			return err
		}
	}
	site.finish()

	after, err := s.analyzer.Analyze(m.Access, m.Name, m.Descriptor, bm)
	if err != nil {
		return verify.Wrap(s.class.Name(), m.Key(), err)
	}
	bm.MaxStack = max(bm.MaxStack, after.MaxStack)
	asm, err := bytecode.Assemble(bm, pool)
	if err != nil {
		return fmt.Errorf("assemble %s.%s: %w", s.class.Name(), m.Key(), err)
	}
	if s.class.Major >= classfile.VersionStackMaps {
		attr, err := analysis.StackMap(pool, bm, after, asm)
		if err != nil {
			return fmt.Errorf("stack map of %s.%s: %w", s.class.Name(), m.Key(), err)
		}
		if attr != nil {
			asm.Code.Attributes = append(asm.Code.Attributes, attr)
		}
	}
	if err := m.SetCode(pool, asm.Code); err != nil {
		return err
	}

	for _, p := range points {
		if p.Desc.Print {
			var sb strings.Builder
			if err := bytecode.Fprint(&sb, bm, pool); err != nil {
				return err
			}
			s.opts.Log.Info("injected method", "injection", p.Desc.ID,
				"class", s.class.Name(), "method", m.Key(), "listing", sb.String())
			break
		}
	}
	return nil
}
