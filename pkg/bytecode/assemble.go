package bytecode

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/cbyrne/betterinject/pkg/classfile"
)

// ErrBranchTooFar is returned when a conditional branch needs an offset
// that does not fit in 16 bits. Unconditional jumps are widened to goto_w instead.
var ErrBranchTooFar = errors.New("conditional branch offset exceeds 16 bits")

// maxCodeLength is the largest code array the class file format allows.
const maxCodeLength = 65535

// Assembly is the result of assembling a Method.
type Assembly struct {
	Code *classfile.Code

	labels map[*Label]int
	insns  map[*Insn]int
}

// Offset returns the bytecode offset of a placed label, or -1.
func (a *Assembly) Offset(l *Label) int {
	if off, ok := a.labels[l]; ok {
		return off
	}
	return -1
}

// InsnOffset returns the bytecode offset of an instruction, or -1.
func (a *Assembly) InsnOffset(i *Insn) int {
	if off, ok := a.insns[i]; ok {
		return off
	}
	return -1
}

// Assemble encodes m into a Code attribute, choosing the shortest encoding
// of every instruction. Constants needed for debug table attribute names are
// added to pool. The result carries no StackMapTable; see package analysis.
func Assemble(m *Method, pool *classfile.ConstantPool) (*Assembly, error) {
	a := &Assembly{}
	wide := map[*Insn]bool{}
	for {
		if err := a.layout(m, wide); err != nil {
			return nil, err
		}
		changed := false
		for _, insn := range m.Insns {
			if insn.Op.Format() != FmtJump {
				continue
			}
			rel := a.labels[insn.Target] - a.insns[insn]
			if rel >= math.MinInt16 && rel <= math.MaxInt16 {
				continue
			}
			switch insn.Op {
			case GOTO, JSR:
				if !wide[insn] {
					wide[insn] = true
					changed = true
				}
			case GOTO_W, JSR_W:
			default:
				return nil, fmt.Errorf("%w: %s at %d jumps %d bytes", ErrBranchTooFar, insn.Op, a.insns[insn], rel)
			}
		}
		if !changed {
			break
		}
	}

	var code bytes.Buffer
	for _, insn := range m.Insns {
		if insn.Op == OpLabel {
			continue
		}
		if err := a.emit(&code, insn, pool, wide[insn]); err != nil {
			return nil, err
		}
	}

	out := &classfile.Code{
		MaxStack:  uint16(m.MaxStack),
		MaxLocals: uint16(m.MaxLocals),
		Bytecode:  code.Bytes(),
	}
	if m.MaxStack > math.MaxUint16 || m.MaxLocals > math.MaxUint16 {
		return nil, fmt.Errorf("max stack %d / max locals %d out of range", m.MaxStack, m.MaxLocals)
	}
	for _, h := range m.Handlers {
		start, end, handler := a.Offset(h.Start), a.Offset(h.End), a.Offset(h.Handler)
		if start < 0 || end < 0 || handler < 0 {
			return nil, errors.New("exception handler label not placed")
		}
		if start == end {
			continue
		}
		out.Exceptions = append(out.Exceptions, classfile.ExceptionEntry{
			Start: uint16(start), End: uint16(end), Handler: uint16(handler), CatchType: h.CatchType,
		})
	}

	out.Attributes = append(out.Attributes, m.Attrs...)
	if len(m.Lines) > 0 {
		attr, err := a.lineTable(pool, m.Lines)
		if err != nil {
			return nil, err
		}
		out.Attributes = append(out.Attributes, attr)
	}
	for _, t := range []struct {
		name string
		vars []LocalVar
	}{{attrLocals, m.Locals}, {attrLocalTypes, m.LocalTypes}} {
		if len(t.vars) == 0 {
			continue
		}
		attr, err := a.localTable(pool, t.name, t.vars)
		if err != nil {
			return nil, err
		}
		out.Attributes = append(out.Attributes, attr)
	}
	a.Code = out
	return a, nil
}

func (a *Assembly) layout(m *Method, wide map[*Insn]bool) error {
	a.labels = make(map[*Label]int)
	a.insns = make(map[*Insn]int, len(m.Insns))
	pc := 0
	for _, insn := range m.Insns {
		if insn.Op == OpLabel {
			a.labels[insn.Label] = pc
			continue
		}
		a.insns[insn] = pc
		pc += insnSize(insn, pc, wide[insn])
	}
	if pc > maxCodeLength {
		return fmt.Errorf("method code too large (%d bytes)", pc)
	}
	if pc == 0 {
		return errors.New("method has no instructions")
	}
	for _, insn := range m.Insns {
		var targets []*Label
		if insn.Target != nil {
			targets = append(targets, insn.Target)
		}
		if insn.Switch != nil {
			targets = append(append(targets, insn.Switch.Default), insn.Switch.Targets...)
		}
		for _, l := range targets {
			if _, ok := a.labels[l]; !ok {
				return fmt.Errorf("%s jumps to a label that is not placed", insn.Op)
			}
		}
	}
	return nil
}

func switchPad(pc int) int { return ((pc + 4) &^ 3) - (pc + 1) }

func insnSize(i *Insn, pc int, wide bool) int {
	switch i.Op.Format() {
	case FmtNone:
		return 1
	case FmtVar:
		switch {
		case i.Var <= 3 && i.Op != RET:
			return 1
		case i.Var <= 255:
			return 2
		}
		return 4
	case FmtByte:
		return 2
	case FmtConst:
		if i.Op == LDC && i.Index <= 255 {
			return 2
		}
		return 3
	case FmtJump:
		if wide || i.Op == GOTO_W || i.Op == JSR_W {
			return 5
		}
		return 3
	case FmtMethod:
		if i.Op == INVOKEINTERFACE {
			return 5
		}
		return 3
	case FmtInvokeDyn:
		return 5
	case FmtIinc:
		if i.Var <= 255 && i.Operand >= math.MinInt8 && i.Operand <= math.MaxInt8 {
			return 3
		}
		return 6
	case FmtMultiArr:
		return 4
	case FmtSwitch:
		n := len(i.Switch.Targets)
		if i.Op == TABLESWITCH {
			return 1 + switchPad(pc) + 12 + 4*n
		}
		return 1 + switchPad(pc) + 8 + 8*n
	}
	// FmtShort, FmtField, FmtType
	return 3
}

func (a *Assembly) emit(w *bytes.Buffer, i *Insn, pool *classfile.ConstantPool, wide bool) error {
	pc := a.insns[i]
	u1 := func(v int) { w.WriteByte(byte(v)) }
	u2 := func(v int) { _ = classfile.WriteUint16(w, uint16(v)) }
	s4 := func(v int) { _ = classfile.WriteUint32(w, uint32(int32(v))) }

	switch i.Op.Format() {
	case FmtNone:
		u1(int(i.Op))
	case FmtVar:
		switch {
		case i.Var <= 3 && i.Op != RET:
			if i.Op <= ALOAD {
				u1(int(ILOAD_0) + int(i.Op-ILOAD)*4 + i.Var)
			} else {
				u1(int(ISTORE_0) + int(i.Op-ISTORE)*4 + i.Var)
			}
		case i.Var <= 255:
			u1(int(i.Op))
			u1(i.Var)
		default:
			u1(int(WIDE))
			u1(int(i.Op))
			u2(i.Var)
		}
	case FmtByte:
		u1(int(i.Op))
		u1(int(i.Operand))
	case FmtShort:
		u1(int(i.Op))
		u2(int(i.Operand))
	case FmtConst:
		switch {
		case i.Op == LDC && i.Index <= 255:
			u1(int(LDC))
			u1(int(i.Index))
		case i.Op == LDC2_W:
			u1(int(LDC2_W))
			u2(int(i.Index))
		default:
			u1(int(LDC_W))
			u2(int(i.Index))
		}
	case FmtJump:
		rel := a.labels[i.Target] - pc
		switch {
		case i.Op == GOTO_W || i.Op == JSR_W:
			u1(int(i.Op))
			s4(rel)
		case wide:
			u1(int(i.Op-GOTO) + int(GOTO_W))
			s4(rel)
		default:
			u1(int(i.Op))
			u2(rel)
		}
	case FmtField, FmtType:
		u1(int(i.Op))
		u2(int(i.Index))
	case FmtMethod:
		u1(int(i.Op))
		u2(int(i.Index))
		if i.Op == INVOKEINTERFACE {
			count := int(i.Operand)
			if count == 0 {
				ref, err := pool.MemberRef(i.Index)
				if err != nil {
					return fmt.Errorf("invokeinterface at %d: %w", pc, err)
				}
				args, _, err := ParseMethodType(ref.Descriptor)
				if err != nil {
					return fmt.Errorf("invokeinterface at %d: %w", pc, err)
				}
				count = 1 + ArgsSize(args)
			}
			u1(count)
			u1(0)
		}
	case FmtInvokeDyn:
		u1(int(i.Op))
		u2(int(i.Index))
		u2(0)
	case FmtIinc:
		if i.Var <= 255 && i.Operand >= math.MinInt8 && i.Operand <= math.MaxInt8 {
			u1(int(IINC))
			u1(i.Var)
			u1(int(i.Operand))
		} else {
			u1(int(WIDE))
			u1(int(IINC))
			u2(i.Var)
			u2(int(i.Operand))
		}
	case FmtMultiArr:
		u1(int(i.Op))
		u2(int(i.Index))
		u1(int(i.Operand))
	case FmtSwitch:
		u1(int(i.Op))
		for range switchPad(pc) {
			u1(0)
		}
		sw := i.Switch
		s4(a.labels[sw.Default] - pc)
		if i.Op == TABLESWITCH {
			s4(int(sw.Low))
			s4(int(sw.Low) + len(sw.Targets) - 1)
			for _, t := range sw.Targets {
				s4(a.labels[t] - pc)
			}
		} else {
			if len(sw.Keys) != len(sw.Targets) {
				return fmt.Errorf("lookupswitch at %d: %d keys for %d targets", pc, len(sw.Keys), len(sw.Targets))
			}
			s4(len(sw.Keys))
			for k, t := range sw.Targets {
				s4(int(sw.Keys[k]))
				s4(a.labels[t] - pc)
			}
		}
	default:
		return fmt.Errorf("cannot encode %s", i.Op)
	}
	return nil
}

func (a *Assembly) lineTable(pool *classfile.ConstantPool, lines []LineNumber) (*classfile.Attribute, error) {
	var buf bytes.Buffer
	var n int
	var body bytes.Buffer
	for _, ln := range lines {
		off := a.Offset(ln.Start)
		if off < 0 {
			continue
		}
		_ = classfile.WriteUint16(&body, uint16(off))
		_ = classfile.WriteUint16(&body, ln.Line)
		n++
	}
	_ = classfile.WriteUint16(&buf, uint16(n))
	buf.Write(body.Bytes())
	return classfile.NewAttribute(pool, attrLineNumbers, buf.Bytes())
}

func (a *Assembly) localTable(pool *classfile.ConstantPool, name string, vars []LocalVar) (*classfile.Attribute, error) {
	var buf bytes.Buffer
	var n int
	var body bytes.Buffer
	for _, v := range vars {
		start, end := a.Offset(v.Start), a.Offset(v.End)
		if start < 0 || end < start {
			continue
		}
		_ = classfile.WriteUint16(&body, uint16(start))
		_ = classfile.WriteUint16(&body, uint16(end-start))
		_ = classfile.WriteUint16(&body, v.NameIndex)
		_ = classfile.WriteUint16(&body, v.DescIndex)
		_ = classfile.WriteUint16(&body, uint16(v.Index))
		n++
	}
	_ = classfile.WriteUint16(&buf, uint16(n))
	buf.Write(body.Bytes())
	return classfile.NewAttribute(pool, name, buf.Bytes())
}
