package bytecode

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cbyrne/betterinject/pkg/classfile"
)

// Fprint writes a human readable listing of m to w, resolving constant pool
// operands through pool when it is non-nil.
func Fprint(w io.Writer, m *Method, pool *classfile.ConstantPool) error {
	names := map[*Label]string{}
	name := func(l *Label) string {
		if n, ok := names[l]; ok {
			return n
		}
		n := "L" + strconv.Itoa(len(names))
		names[l] = n
		return n
	}
	for _, i := range m.Insns {
		if i.Op == OpLabel {
			name(i.Label)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "  maxStack=%d maxLocals=%d\n", m.MaxStack, m.MaxLocals)
	for _, i := range m.Insns {
		if i.Op == OpLabel {
			fmt.Fprintf(&sb, "%s:\n", name(i.Label))
			continue
		}
		sb.WriteString("    ")
		sb.WriteString(i.Op.String())
		switch i.Op.Format() {
		case FmtVar:
			fmt.Fprintf(&sb, " %d", i.Var)
		case FmtIinc:
			fmt.Fprintf(&sb, " %d %d", i.Var, i.Operand)
		case FmtByte, FmtShort:
			fmt.Fprintf(&sb, " %d", i.Operand)
		case FmtJump:
			sb.WriteString(" " + name(i.Target))
		case FmtConst, FmtField, FmtMethod, FmtType, FmtInvokeDyn, FmtMultiArr:
			sb.WriteString(" " + describeConstant(pool, i.Index))
			if i.Op == MULTIANEWARRAY {
				fmt.Fprintf(&sb, " %d", i.Operand)
			}
		case FmtSwitch:
			sw := i.Switch
			for k, t := range sw.Targets {
				key := sw.Low + int32(k)
				if i.Op == LOOKUPSWITCH {
					key = sw.Keys[k]
				}
				fmt.Fprintf(&sb, " %d:%s", key, name(t))
			}
			sb.WriteString(" default:" + name(sw.Default))
		}
		if i.Offset < 0 {
			sb.WriteString(" // +")
		}
		sb.WriteByte('\n')
	}
	for _, h := range m.Handlers {
		catch := "any"
		if h.CatchType != 0 {
			catch = describeConstant(pool, h.CatchType)
		}
		fmt.Fprintf(&sb, "  try %s %s catch %s %s\n", name(h.Start), name(h.End), catch, name(h.Handler))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func describeConstant(pool *classfile.ConstantPool, idx uint16) string {
	if pool == nil {
		return "#" + strconv.Itoa(int(idx))
	}
	c, err := pool.Get(idx)
	if err != nil {
		return "#" + strconv.Itoa(int(idx)) + "?"
	}
	switch c.Tag {
	case classfile.TagClass:
		s, _ := pool.ClassName(idx)
		return s
	case classfile.TagString:
		s, _ := pool.StringValue(idx)
		return strconv.Quote(s)
	case classfile.TagInteger:
		return strconv.Itoa(int(int32(uint32(c.Bits))))
	case classfile.TagFieldref, classfile.TagMethodref, classfile.TagInterfaceMethodref:
		ref, err := pool.MemberRef(idx)
		if err == nil {
			return ref.String()
		}
	case classfile.TagInvokeDynamic, classfile.TagDynamic:
		n, d, err := pool.Dynamic(idx)
		if err == nil {
			return n + d
		}
	}
	return fmt.Sprintf("#%d(%s)", idx, c.Tag)
}
