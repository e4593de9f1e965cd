package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cbyrne/betterinject/pkg/classfile"
)

// Code attributes that are rebuilt or dropped when a method is reassembled.
const (
	attrLineNumbers    = "LineNumberTable"
	attrLocals         = "LocalVariableTable"
	attrLocalTypes     = "LocalVariableTypeTable"
	attrStackMap       = "StackMapTable"
	attrVisibleTypeAnn = "RuntimeVisibleTypeAnnotations"
	attrHiddenTypeAnn  = "RuntimeInvisibleTypeAnnotations"
)

type decoder struct {
	code   []byte
	labels map[int]*Label
}

func bad(offset int, format string, args ...any) error {
	return &classfile.MalformedClassError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) label(target int) *Label {
	if l, ok := d.labels[target]; ok {
		return l
	}
	l := &Label{Offset: target}
	d.labels[target] = l
	return l
}

func (d *decoder) u1(pc int) (int, error) {
	if pc >= len(d.code) {
		return 0, bad(pc, "truncated instruction")
	}
	return int(d.code[pc]), nil
}

func (d *decoder) u2(pc int) (int, error) {
	if pc+2 > len(d.code) {
		return 0, bad(pc, "truncated instruction")
	}
	return int(binary.BigEndian.Uint16(d.code[pc:])), nil
}

func (d *decoder) s4(pc int) (int32, error) {
	if pc+4 > len(d.code) {
		return 0, bad(pc, "truncated instruction")
	}
	return int32(binary.BigEndian.Uint32(d.code[pc:])), nil
}

// Decode turns a Code attribute into an editable instruction list.
// Malformed bytecode yields a *classfile.MalformedClassError.
func Decode(code *classfile.Code) (*Method, error) {
	d := &decoder{code: code.Bytecode, labels: map[int]*Label{}}
	m := &Method{MaxStack: int(code.MaxStack), MaxLocals: int(code.MaxLocals)}

	var insns []*Insn
	starts := map[int]bool{}
	for pc := 0; pc < len(d.code); {
		insn, size, err := d.decodeInsn(pc)
		if err != nil {
			return nil, err
		}
		starts[pc] = true
		insns = append(insns, insn)
		pc += size
	}
	starts[len(d.code)] = true

	for off := range d.labels {
		if !starts[off] || off == len(d.code) {
			return nil, bad(off, "branch target %d is not an instruction", off)
		}
	}

	for _, e := range code.Exceptions {
		for _, off := range []uint16{e.Start, e.End, e.Handler} {
			if !starts[int(off)] {
				return nil, bad(int(off), "exception range offset %d is not an instruction", off)
			}
		}
		m.Handlers = append(m.Handlers, &Handler{
			Start:     d.label(int(e.Start)),
			End:       d.label(int(e.End)),
			Handler:   d.label(int(e.Handler)),
			CatchType: e.CatchType,
		})
	}

	for _, a := range code.Attributes {
		switch a.Name {
		case attrLineNumbers:
			m.Lines = append(m.Lines, d.lines(a.Info, starts)...)
		case attrLocals:
			m.Locals = append(m.Locals, d.locals(a.Info, starts)...)
		case attrLocalTypes:
			m.LocalTypes = append(m.LocalTypes, d.locals(a.Info, starts)...)
		case attrStackMap, attrVisibleTypeAnn, attrHiddenTypeAnn:
			// recomputed or invalidated by reassembly
		default:
			m.Attrs = append(m.Attrs, a)
		}
	}

	offsets := make([]int, 0, len(d.labels))
	for off := range d.labels {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	m.Insns = make([]*Insn, 0, len(insns)+len(offsets))
	li := 0
	for _, insn := range insns {
		for li < len(offsets) && offsets[li] == insn.Offset {
			m.Insns = append(m.Insns, &Insn{Op: OpLabel, Label: d.labels[offsets[li]], Offset: insn.Offset})
			li++
		}
		m.Insns = append(m.Insns, insn)
	}
	for ; li < len(offsets); li++ {
		m.Insns = append(m.Insns, &Insn{Op: OpLabel, Label: d.labels[offsets[li]], Offset: offsets[li]})
	}
	return m, nil
}

// lines decodes a LineNumberTable. Entries not on an instruction boundary are dropped.
func (d *decoder) lines(info []byte, starts map[int]bool) []LineNumber {
	r := bytes.NewReader(info)
	n, err := classfile.ReadUint16(r)
	if err != nil {
		return nil
	}
	var out []LineNumber
	for range n {
		pc, err1 := classfile.ReadUint16(r)
		line, err2 := classfile.ReadUint16(r)
		if err1 != nil || err2 != nil {
			break
		}
		if !starts[int(pc)] || int(pc) == len(d.code) {
			continue
		}
		out = append(out, LineNumber{Start: d.label(int(pc)), Line: line})
	}
	return out
}

// locals decodes a LocalVariableTable or LocalVariableTypeTable.
func (d *decoder) locals(info []byte, starts map[int]bool) []LocalVar {
	r := bytes.NewReader(info)
	n, err := classfile.ReadUint16(r)
	if err != nil {
		return nil
	}
	var out []LocalVar
	for range n {
		var v [5]uint16
		for j := range v {
			if v[j], err = classfile.ReadUint16(r); err != nil {
				return out
			}
		}
		start, end := int(v[0]), int(v[0])+int(v[1])
		if !starts[start] || !starts[end] {
			continue
		}
		out = append(out, LocalVar{
			Start:     d.label(start),
			End:       d.label(end),
			NameIndex: v[2],
			DescIndex: v[3],
			Index:     int(v[4]),
		})
	}
	return out
}

func (d *decoder) decodeInsn(pc int) (*Insn, int, error) {
	b, _ := d.u1(pc)
	op := Opcode(b)
	if !op.valid() {
		return nil, 0, bad(pc, "invalid opcode 0x%02x", b)
	}
	insn := &Insn{Op: op, Offset: pc}
	var err error
	size := 1
	switch op.Format() {
	case FmtNone:
		switch {
		case op >= ILOAD_0 && op <= ALOAD_3:
			k := int(op - ILOAD_0)
			insn.Op, insn.Var = ILOAD+Opcode(k/4), k%4
		case op >= ISTORE_0 && op <= ASTORE_3:
			k := int(op - ISTORE_0)
			insn.Op, insn.Var = ISTORE+Opcode(k/4), k%4
		}
	case FmtByte:
		var v int
		v, err = d.u1(pc + 1)
		if op == BIPUSH {
			insn.Operand = int32(int8(v))
		} else {
			insn.Operand = int32(v)
		}
		size = 2
	case FmtShort:
		var v int
		v, err = d.u2(pc + 1)
		insn.Operand = int32(int16(v))
		size = 3
	case FmtVar:
		insn.Var, err = d.u1(pc + 1)
		size = 2
	case FmtConst:
		var v int
		if op == LDC {
			v, err = d.u1(pc + 1)
			size = 2
		} else {
			v, err = d.u2(pc + 1)
			size = 3
		}
		insn.Index = uint16(v)
		if op == LDC_W {
			insn.Op = LDC
		}
	case FmtJump:
		var rel int32
		if op == GOTO_W || op == JSR_W {
			rel, err = d.s4(pc + 1)
			size = 5
			insn.Op = op - GOTO_W + GOTO
		} else {
			var v int
			v, err = d.u2(pc + 1)
			rel = int32(int16(v))
			size = 3
		}
		if err == nil {
			target := pc + int(rel)
			if target < 0 || target >= len(d.code) {
				return nil, 0, bad(pc, "%s target %d out of range", op, target)
			}
			insn.Target = d.label(target)
		}
	case FmtField, FmtMethod, FmtType:
		var v int
		v, err = d.u2(pc + 1)
		insn.Index = uint16(v)
		size = 3
		if op == INVOKEINTERFACE {
			var count int
			if count, err = d.u1(pc + 3); err == nil {
				insn.Operand = int32(count)
			}
			size = 5
		}
	case FmtInvokeDyn:
		var v int
		v, err = d.u2(pc + 1)
		insn.Index = uint16(v)
		size = 5
	case FmtIinc:
		var v, c int
		if v, err = d.u1(pc + 1); err == nil {
			c, err = d.u1(pc + 2)
		}
		insn.Var, insn.Operand = v, int32(int8(c))
		size = 3
	case FmtMultiArr:
		var v, dims int
		if v, err = d.u2(pc + 1); err == nil {
			dims, err = d.u1(pc + 3)
		}
		insn.Index, insn.Operand = uint16(v), int32(dims)
		size = 4
	case FmtSwitch:
		return d.decodeSwitch(insn, pc)
	case FmtWide:
		return d.decodeWide(pc)
	}
	if err != nil {
		return nil, 0, err
	}
	if pc+size > len(d.code) {
		return nil, 0, bad(pc, "truncated instruction")
	}
	return insn, size, nil
}

func (d *decoder) decodeWide(pc int) (*Insn, int, error) {
	b, err := d.u1(pc + 1)
	if err != nil {
		return nil, 0, err
	}
	op := Opcode(b)
	insn := &Insn{Op: op, Offset: pc}
	if op == IINC {
		v, err := d.u2(pc + 2)
		if err != nil {
			return nil, 0, err
		}
		c, err := d.u2(pc + 4)
		if err != nil {
			return nil, 0, err
		}
		insn.Var, insn.Operand = v, int32(int16(c))
		return insn, 6, nil
	}
	if op.Format() != FmtVar {
		return nil, 0, bad(pc, "wide applied to %s", op)
	}
	if insn.Var, err = d.u2(pc + 2); err != nil {
		return nil, 0, err
	}
	return insn, 4, nil
}

func (d *decoder) decodeSwitch(insn *Insn, pc int) (*Insn, int, error) {
	// operands start at the next multiple of 4 from the method start
	p := (pc + 4) &^ 3
	def, err := d.s4(p)
	if err != nil {
		return nil, 0, err
	}
	target := func(rel int32) (*Label, error) {
		t := pc + int(rel)
		if t < 0 || t >= len(d.code) {
			return nil, bad(pc, "%s target %d out of range", insn.Op, t)
		}
		return d.label(t), nil
	}
	sw := &Switch{}
	if sw.Default, err = target(def); err != nil {
		return nil, 0, err
	}
	p += 4
	if insn.Op == TABLESWITCH {
		low, err := d.s4(p)
		if err != nil {
			return nil, 0, err
		}
		high, err := d.s4(p + 4)
		if err != nil {
			return nil, 0, err
		}
		if high < low || int64(high)-int64(low) >= int64(len(d.code)) {
			return nil, 0, bad(pc, "tableswitch bounds %d..%d", low, high)
		}
		p += 8
		sw.Low = low
		for range int(high-low) + 1 {
			rel, err := d.s4(p)
			if err != nil {
				return nil, 0, err
			}
			l, err := target(rel)
			if err != nil {
				return nil, 0, err
			}
			sw.Targets = append(sw.Targets, l)
			p += 4
		}
	} else {
		n, err := d.s4(p)
		if err != nil {
			return nil, 0, err
		}
		if n < 0 || int64(n)*8 > int64(len(d.code)) {
			return nil, 0, bad(pc, "lookupswitch pair count %d", n)
		}
		p += 4
		for range int(n) {
			key, err := d.s4(p)
			if err != nil {
				return nil, 0, err
			}
			rel, err := d.s4(p + 4)
			if err != nil {
				return nil, 0, err
			}
			l, err := target(rel)
			if err != nil {
				return nil, 0, err
			}
			sw.Keys = append(sw.Keys, key)
			sw.Targets = append(sw.Targets, l)
			p += 8
		}
	}
	insn.Switch = sw
	return insn, p - pc, nil
}
