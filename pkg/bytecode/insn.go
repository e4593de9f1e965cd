package bytecode

import (
	"fmt"
	"slices"

	"github.com/cbyrne/betterinject/pkg/classfile"
)

// Label marks a position in an instruction list.
// It is placed by an instruction with Op == OpLabel.
type Label struct {
	// Offset is the bytecode offset the label was decoded from, -1 for new labels.
	Offset int
}

// NewLabel returns a label not yet placed in any list.
func NewLabel() *Label { return &Label{Offset: -1} }

// Switch holds the operands of tableswitch and lookupswitch.
type Switch struct {
	Default *Label
	Low     int32   // tableswitch: key of Targets[0]
	Keys    []int32 // lookupswitch: sorted match keys, parallel to Targets
	Targets []*Label
}

// Insn is a single instruction, or a label marker when Op is OpLabel.
//
// Short and wide encodings are normalized: iload_1 decodes to ILOAD with
// Var 1, ldc_w to LDC, goto_w to GOTO. Assemble picks the encoding again.
type Insn struct {
	Op Opcode

	Var     int     // local variable index (loads, stores, iinc, ret)
	Operand int32   // bipush/sipush value, iinc increment, newarray type, multianewarray dimensions
	Index   uint16  // constant pool index
	Target  *Label  // jump target
	Switch  *Switch // tableswitch and lookupswitch
	Label   *Label  // placed label for OpLabel

	// Offset is the bytecode offset the instruction was decoded from,
	// -1 for synthesized instructions.
	Offset int
}

func (i *Insn) String() string {
	switch {
	case i.Op == OpLabel:
		return fmt.Sprintf("L%p:", i.Label)
	case i.Op == IINC:
		return fmt.Sprintf("iinc %d %d", i.Var, i.Operand)
	}
	switch i.Op.Format() {
	case FmtVar:
		return fmt.Sprintf("%s %d", i.Op, i.Var)
	case FmtByte, FmtShort:
		return fmt.Sprintf("%s %d", i.Op, i.Operand)
	case FmtConst, FmtField, FmtMethod, FmtType, FmtInvokeDyn:
		return fmt.Sprintf("%s #%d", i.Op, i.Index)
	case FmtMultiArr:
		return fmt.Sprintf("%s #%d %d", i.Op, i.Index, i.Operand)
	}
	return i.Op.String()
}

// Instruction constructors for synthesized code.

func Op(op Opcode) *Insn { return &Insn{Op: op, Offset: -1} }

func VarInsn(op Opcode, v int) *Insn { return &Insn{Op: op, Var: v, Offset: -1} }

func IntInsn(op Opcode, v int32) *Insn { return &Insn{Op: op, Operand: v, Offset: -1} }

func JumpInsn(op Opcode, target *Label) *Insn { return &Insn{Op: op, Target: target, Offset: -1} }

// RefInsn creates an instruction whose operand is a constant pool index.
func RefInsn(op Opcode, index uint16) *Insn { return &Insn{Op: op, Index: index, Offset: -1} }

func IincInsn(v int, inc int32) *Insn { return &Insn{Op: IINC, Var: v, Operand: inc, Offset: -1} }

func LabelInsn(l *Label) *Insn { return &Insn{Op: OpLabel, Label: l, Offset: -1} }

// PushInt returns the shortest instruction loading the int constant v.
func PushInt(pool *classfile.ConstantPool, v int32) (*Insn, error) {
	switch {
	case v >= -1 && v <= 5:
		return Op(ICONST_0 + Opcode(v)), nil
	case v >= -128 && v <= 127:
		return IntInsn(BIPUSH, v), nil
	case v >= -32768 && v <= 32767:
		return IntInsn(SIPUSH, v), nil
	}
	idx, err := pool.AddInt(v)
	if err != nil {
		return nil, err
	}
	return RefInsn(LDC, idx), nil
}

// Handler is an exception table entry.
type Handler struct {
	Start, End *Label
	Handler    *Label
	CatchType  uint16 // 0 catches everything
}

// LineNumber maps a position to a source line.
type LineNumber struct {
	Start *Label
	Line  uint16
}

// LocalVar is an entry of LocalVariableTable or LocalVariableTypeTable.
type LocalVar struct {
	Start, End *Label
	NameIndex  uint16
	DescIndex  uint16 // descriptor or signature
	Index      int
}

// Method is an editable method body.
type Method struct {
	Insns      []*Insn
	Handlers   []*Handler
	Lines      []LineNumber
	Locals     []LocalVar
	LocalTypes []LocalVar
	MaxStack   int
	MaxLocals  int

	// Attrs are the code attributes that are neither debug tables nor
	// offset-bound metadata dropped on reassembly.
	Attrs []*classfile.Attribute
}

// IndexOf returns the position of insn in the list, or -1.
func (m *Method) IndexOf(insn *Insn) int {
	return slices.Index(m.Insns, insn)
}

// InsertBefore inserts insns directly before at.
// Labels placed before at end up in front of the inserted code, so jumps
// that targeted at now run the inserted code first.
func (m *Method) InsertBefore(at *Insn, insns ...*Insn) error {
	i := m.IndexOf(at)
	if i < 0 {
		return fmt.Errorf("instruction %s not in method", at)
	}
	m.Insns = slices.Insert(m.Insns, i, insns...)
	return nil
}

// InsertAt inserts insns at position i of the list.
func (m *Method) InsertAt(i int, insns ...*Insn) {
	m.Insns = slices.Insert(m.Insns, i, insns...)
}

// Instructions returns the real instructions, skipping label markers.
func (m *Method) Instructions() []*Insn {
	out := make([]*Insn, 0, len(m.Insns))
	for _, i := range m.Insns {
		if i.Op != OpLabel {
			out = append(out, i)
		}
	}
	return out
}
