package analysis

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
)

// Verification type tags of the StackMapTable attribute.
const (
	vtTop               = 0
	vtInteger           = 1
	vtFloat             = 2
	vtDouble            = 3
	vtLong              = 4
	vtNull              = 5
	vtUninitializedThis = 6
	vtObject            = 7
	vtUninitialized     = 8
)

const (
	sameLocals1StackItemExtended = 247
	chopFrame                    = 248 // up to 250
	sameFrameExtended            = 251
	appendFrame                  = 252 // up to 254
	fullFrame                    = 255
)

// StackMap encodes the StackMapTable attribute for an assembled method.
// Frames are emitted for every branch target, exception handler and
// instruction following an unconditional transfer. It returns nil when the
// method needs no frames.
func StackMap(pool *classfile.ConstantPool, m *bytecode.Method, res *Result, asm *bytecode.Assembly) (*classfile.Attribute, error) {
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
		if asm.Offset(h.Start) != asm.Offset(h.End) {
			needed[h.Handler] = true
		}
	}

	type point struct {
		offset int
		frame  *Frame
	}
	byOffset := map[int]point{}
	add := func(idx, offset int) error {
		// the frame of a position is the one of the next real instruction
		for idx < len(m.Insns) && m.Insns[idx].Op == bytecode.OpLabel {
			idx++
		}
		if idx >= len(m.Insns) {
			return nil
		}
		f := res.Frames[idx]
		if f == nil {
			return fmt.Errorf("unreachable code at offset %d needs a stack map frame", offset)
		}
		byOffset[offset] = point{offset, f}
		return nil
	}
	for idx, insn := range m.Insns {
		switch {
		case insn.Op == bytecode.OpLabel && needed[insn.Label]:
			if err := add(idx, asm.Offset(insn.Label)); err != nil {
				return nil, err
			}
		case insn.Op != bytecode.OpLabel && insn.Op.EndsBlock():
			next := idx + 1
			for next < len(m.Insns) && m.Insns[next].Op == bytecode.OpLabel {
				next++
			}
			if next < len(m.Insns) {
				if err := add(next, asm.InsnOffset(m.Insns[next])); err != nil {
					return nil, err
				}
			}
		}
	}
	if len(byOffset) == 0 {
		return nil, nil
	}
	points := make([]point, 0, len(byOffset))
	for _, p := range byOffset {
		points = append(points, p)
	}
	sort.Slice(points, func(a, b int) bool { return points[a].offset < points[b].offset })

	enc := &frameEncoder{pool: pool, asm: asm}
	prevLocals, err := enc.types(res.Entry.Locals, true)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	prevOffset := -1
	for _, p := range points {
		locals, err := enc.types(p.frame.Locals, true)
		if err != nil {
			return nil, err
		}
		stack, err := enc.types(p.frame.Stack, false)
		if err != nil {
			return nil, err
		}
		delta := p.offset - prevOffset - 1
		writeFrame(&body, delta, prevLocals, locals, stack)
		prevLocals, prevOffset = locals, p.offset
	}

	var buf bytes.Buffer
	_ = classfile.WriteUint16(&buf, uint16(len(points)))
	buf.Write(body.Bytes())
	return classfile.NewAttribute(pool, "StackMapTable", buf.Bytes())
}

// vtype is an encoded verification type.
type vtype struct {
	tag  uint8
	data uint16
}

type frameEncoder struct {
	pool *classfile.ConstantPool
	asm  *bytecode.Assembly
}

// types converts values to verification types. For locals, the Top slot
// following a long or double is implied and trailing Tops are dropped.
func (e *frameEncoder) types(vs []Value, locals bool) ([]vtype, error) {
	var out []vtype
	for k := 0; k < len(vs); k++ {
		v := vs[k]
		t := vtype{}
		switch v.Kind {
		case Top:
			t.tag = vtTop
		case Int:
			t.tag = vtInteger
		case Float:
			t.tag = vtFloat
		case Long:
			t.tag = vtLong
		case Double:
			t.tag = vtDouble
		case Null:
			t.tag = vtNull
		case UninitThis:
			t.tag = vtUninitializedThis
		case Uninit:
			t.tag = vtUninitialized
			off := e.asm.InsnOffset(v.New)
			if off < 0 {
				return nil, fmt.Errorf("uninitialized %s created outside the method", v.Class)
			}
			t.data = uint16(off)
		case Ref:
			t.tag = vtObject
			idx, err := e.pool.AddClass(v.Class)
			if err != nil {
				return nil, err
			}
			t.data = idx
		}
		out = append(out, t)
		if locals && v.Size() == 2 {
			k++
		}
	}
	if locals {
		for len(out) > 0 && out[len(out)-1].tag == vtTop {
			out = out[:len(out)-1]
		}
	}
	return out, nil
}

func writeTypes(w *bytes.Buffer, ts []vtype) {
	for _, t := range ts {
		w.WriteByte(t.tag)
		if t.tag == vtObject || t.tag == vtUninitialized {
			_ = classfile.WriteUint16(w, t.data)
		}
	}
}

func equalTypes(a, b []vtype) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// writeFrame picks the most compact frame form relative to the previous locals.
func writeFrame(w *bytes.Buffer, delta int, prev, locals, stack []vtype) {
	u2 := func(v int) { _ = classfile.WriteUint16(w, uint16(v)) }
	sameLocals := equalTypes(prev, locals)
	switch {
	case sameLocals && len(stack) == 0:
		if delta < 64 {
			w.WriteByte(byte(delta))
		} else {
			w.WriteByte(sameFrameExtended)
			u2(delta)
		}
		return
	case sameLocals && len(stack) == 1:
		if delta < 64 {
			w.WriteByte(byte(64 + delta))
		} else {
			w.WriteByte(sameLocals1StackItemExtended)
			u2(delta)
		}
		writeTypes(w, stack)
		return
	case len(stack) == 0 && len(locals) > len(prev) && len(locals)-len(prev) <= 3 && equalTypes(prev, locals[:len(prev)]):
		w.WriteByte(byte(sameFrameExtended + len(locals) - len(prev)))
		u2(delta)
		writeTypes(w, locals[len(prev):])
		return
	case len(stack) == 0 && len(locals) < len(prev) && len(prev)-len(locals) <= 3 && equalTypes(prev[:len(locals)], locals):
		w.WriteByte(byte(sameFrameExtended - (len(prev) - len(locals))))
		u2(delta)
		return
	}
	w.WriteByte(fullFrame)
	u2(delta)
	u2(len(locals))
	writeTypes(w, locals)
	u2(len(stack))
	writeTypes(w, stack)
}

// ParseStackMap decodes a StackMapTable into the offsets that carry frames.
// It is used to compare generated tables against the class file.
func ParseStackMap(info []byte) ([]int, error) {
	r := bytes.NewReader(info)
	n, err := classfile.ReadUint16(r)
	if err != nil {
		return nil, err
	}
	skipTypes := func(count int) error {
		for range count {
			tag, err := classfile.ReadUint8(r)
			if err != nil {
				return err
			}
			if tag == vtObject || tag == vtUninitialized {
				if _, err := classfile.ReadUint16(r); err != nil {
					return err
				}
			} else if tag > vtUninitialized {
				return fmt.Errorf("bad verification type %d", tag)
			}
		}
		return nil
	}
	var offsets []int
	offset := -1
	for range n {
		ft, err := classfile.ReadUint8(r)
		if err != nil {
			return nil, err
		}
		var delta int
		switch {
		case ft < 64:
			delta = int(ft)
		case ft < 128:
			delta = int(ft) - 64
			err = skipTypes(1)
		case ft < sameLocals1StackItemExtended:
			return nil, fmt.Errorf("reserved frame type %d", ft)
		default:
			var d uint16
			if d, err = classfile.ReadUint16(r); err != nil {
				return nil, err
			}
			delta = int(d)
			switch {
			case ft == sameLocals1StackItemExtended:
				err = skipTypes(1)
			case ft > sameFrameExtended && ft < fullFrame:
				err = skipTypes(int(ft) - sameFrameExtended)
			case ft == fullFrame:
				for range 2 {
					var k uint16
					if k, err = classfile.ReadUint16(r); err != nil {
						return nil, err
					}
					if err = skipTypes(int(k)); err != nil {
						return nil, err
					}
				}
			}
		}
		if err != nil {
			return nil, err
		}
		offset += delta + 1
		offsets = append(offsets, offset)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in StackMapTable", r.Len())
	}
	return offsets, nil
}
