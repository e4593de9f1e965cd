// Package verify re-checks method bytecode before a rewritten class is
// accepted: operand stack depth against max_stack, locals read before
// written, operand types, return types and stack map frames.
package verify

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
)

// VerificationError reports a method that fails verification.
type VerificationError struct {
	Class  string
	Method string // name+descriptor
	Offset int    // -1 when no single instruction is to blame
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	s := "verify " + e.Class + "." + e.Method
	if e.Offset >= 0 {
		s += fmt.Sprintf(" at offset %d", e.Offset)
	}
	return s + ": " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Options configures verification.
type Options struct {
	// Hierarchy resolves classes when frames merge. The verified class
	// itself is always known.
	Hierarchy analysis.Hierarchy
	// Supers memoizes common super class lookups across calls.
	Supers *analysis.SuperCache
	// Methods limits verification to these name+descriptor keys.
	// Empty verifies every method.
	Methods []string
}

// Class verifies the methods of c. All failing methods are reported,
// combined with multierr; each is a *VerificationError.
func Class(c *classfile.Class, opts Options) error {
	var err error
	for _, m := range c.Methods {
		if len(opts.Methods) != 0 && !slices.Contains(opts.Methods, m.Key()) {
			continue
		}
		err = multierr.Append(err, Method(c, m, opts))
	}
	return err
}

// Method verifies a single method of c.
func Method(c *classfile.Class, m *classfile.Member, opts Options) error {
	fail := func(offset int, err error, format string, args ...any) error {
		return &VerificationError{
			Class:  c.Name(),
			Method: m.Key(),
			Offset: offset,
			Reason: fmt.Sprintf(format, args...),
			Err:    err,
		}
	}
	code, err := m.Code(c.Pool)
	if err != nil {
		return fail(-1, err, "bad Code attribute: %v", err)
	}
	if code == nil {
		if m.Access&(classfile.AccAbstract|classfile.AccNative) == 0 {
			return fail(-1, nil, "method without code is neither abstract nor native")
		}
		return nil
	}
	if m.Access&(classfile.AccAbstract|classfile.AccNative) != 0 {
		return fail(-1, nil, "abstract or native method has code")
	}
	bm, err := bytecode.Decode(code)
	if err != nil {
		var mce *classfile.MalformedClassError
		if errors.As(err, &mce) {
			return fail(mce.Offset, err, "%s", mce.Reason)
		}
		return fail(-1, err, "%v", err)
	}

	a := &analysis.Analyzer{
		Owner:     c.Name(),
		Pool:      c.Pool,
		Hierarchy: analysis.Chain{analysis.MapHierarchy{c.Name(): analysis.InfoOf(c)}, opts.Hierarchy},
		Supers:    opts.Supers,
	}
	res, err := a.Analyze(m.Access, m.Name, m.Descriptor, bm)
	if err != nil {
		return Wrap(c.Name(), m.Key(), err)
	}

	if res.MaxStack > int(code.MaxStack) {
		return fail(overflowOffset(bm, res, int(code.MaxStack)), nil,
			"operand stack reaches %d, max_stack is %d", res.MaxStack, code.MaxStack)
	}

	if c.Major >= classfile.VersionStackMaps {
		if err := checkStackMap(bm, code, res); err != nil {
			var mf *missingFrameError
			if errors.As(err, &mf) {
				return fail(mf.offset, nil, "%v", err)
			}
			return fail(-1, err, "bad StackMapTable: %v", err)
		}
	}
	return nil
}

// Wrap turns an analysis failure of class.method into a *VerificationError.
func Wrap(class, method string, err error) *VerificationError {
	ve := &VerificationError{Class: class, Method: method, Offset: -1, Reason: err.Error(), Err: err}
	var ae *analysis.AnalyzeError
	if errors.As(err, &ae) {
		ve.Offset = ae.Offset
		ve.Reason = ae.Reason
		if ae.Insn != "" {
			ve.Reason = ae.Insn + ": " + ve.Reason
		}
		if ae.Err != nil {
			ve.Reason += ": " + ae.Err.Error()
		}
	}
	return ve
}

// overflowOffset finds the first instruction entered with a deeper stack
// than max, and blames the instruction before it.
func overflowOffset(m *bytecode.Method, res *analysis.Result, max int) int {
	prev := -1
	for i, insn := range m.Insns {
		if insn.Op == bytecode.OpLabel {
			continue
		}
		if f := res.Frames[i]; f != nil && f.StackSize() > max {
			return prev
		}
		prev = insn.Offset
	}
	return prev
}

type missingFrameError struct{ offset int }

func (e *missingFrameError) Error() string {
	return fmt.Sprintf("no stack map frame at offset %d", e.offset)
}

// checkStackMap ensures every reachable branch target, exception handler and
// instruction after an unconditional transfer carries a frame.
func checkStackMap(m *bytecode.Method, code *classfile.Code, res *analysis.Result) error {
	var have []int
	if attr := findAttr(code.Attributes, "StackMapTable"); attr != nil {
		var err error
		if have, err = analysis.ParseStackMap(attr.Info); err != nil {
			return err
		}
	}

	needed := map[*bytecode.Label]bool{}
	for _, insn := range m.Insns {
		if insn.Target != nil {
			needed[insn.Target] = true
		}
		if insn.Switch != nil {
			needed[insn.Switch.Default] = true
			for _, l := range insn.Switch.Targets {
				needed[l] = true
			}
		}
	}
	for _, h := range m.Handlers {
		if h.Start.Offset != h.End.Offset {
			needed[h.Handler] = true
		}
	}

	var want []int
	afterTransfer := false
	labelled := false
	for i, insn := range m.Insns {
		if insn.Op == bytecode.OpLabel {
			labelled = labelled || needed[insn.Label]
			continue
		}
		if (labelled || afterTransfer) && res.Frames[i] != nil {
			want = append(want, insn.Offset)
		}
		labelled = false
		afterTransfer = insn.Op.EndsBlock()
	}
	for _, off := range want {
		if _, ok := slices.BinarySearch(have, off); !ok {
			return &missingFrameError{offset: off}
		}
	}
	return nil
}

func findAttr(attrs []*classfile.Attribute, name string) *classfile.Attribute {
	for _, a := range attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}
