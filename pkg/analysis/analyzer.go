package analysis

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"

	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
)

// AnalyzeError reports an instruction the analyzer cannot type.
type AnalyzeError struct {
	Method string // name+descriptor
	Index  int    // position in the instruction list
	Offset int    // original bytecode offset, -1 for synthesized instructions
	Insn   string
	Reason string
	Err    error
}

func (e *AnalyzeError) Error() string {
	s := e.Method
	if e.Offset >= 0 {
		s += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Insn != "" {
		s += " (" + e.Insn + ")"
	}
	s += ": " + e.Reason
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *AnalyzeError) Unwrap() error { return e.Err }

// Analyzer computes the frame before every instruction of a method by
// abstract interpretation.
type Analyzer struct {
	Owner     string // internal name of the class declaring the method
	Pool      *classfile.ConstantPool
	Hierarchy Hierarchy
	Supers    *SuperCache // optional, shared merge results
}

// Result holds the frames of an analyzed method.
type Result struct {
	// Frames is parallel to the instruction list; nil marks unreachable code.
	Frames []*Frame
	// MaxStack is the deepest operand stack seen, in slots.
	MaxStack int
	// Entry is the frame on method entry.
	Entry *Frame
}

type run struct {
	*Analyzer
	t      types
	method string
	ret    bytecode.Type
	m      *bytecode.Method
	frames []*Frame
	work   deque.Deque[int]
	queued []bool
	// handlers[i] lists the handlers covering instruction i
	handlers [][]*bytecode.Handler
	labelAt  map[*bytecode.Label]int
	maxStack int
}

// EntryFrame returns the frame on entry of a method: the receiver (unless
// static) and the arguments, padded with Top up to maxLocals.
func EntryFrame(owner string, access uint16, name, desc string, maxLocals int) (*Frame, error) {
	args, _, err := bytecode.ParseMethodType(desc)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	if access&classfile.AccStatic == 0 {
		if name == "<init>" && owner != objectClass {
			f.Locals = append(f.Locals, Value{Kind: UninitThis})
		} else {
			f.Locals = append(f.Locals, RefValue(owner))
		}
	}
	for _, a := range args {
		f.Locals = append(f.Locals, ValueOf(a))
		if a.Size() == 2 {
			f.Locals = append(f.Locals, TopValue)
		}
	}
	if len(f.Locals) > maxLocals {
		return nil, fmt.Errorf("arguments need %d locals, max_locals is %d", len(f.Locals), maxLocals)
	}
	for len(f.Locals) < maxLocals {
		f.Locals = append(f.Locals, TopValue)
	}
	return f, nil
}

// Analyze types every reachable instruction of m. Locals are limited to
// m.MaxLocals; the stack depth is unbounded and reported in Result.MaxStack.
func (a *Analyzer) Analyze(access uint16, name, desc string, m *bytecode.Method) (*Result, error) {
	r := &run{
		Analyzer: a,
		t:        types{h: a.Hierarchy, supers: a.Supers},
		method:   name + desc,
		m:        m,
		frames:   make([]*Frame, len(m.Insns)),
		queued:   make([]bool, len(m.Insns)),
		labelAt:  make(map[*bytecode.Label]int),
	}
	var err error
	if _, r.ret, err = bytecode.ParseMethodType(desc); err != nil {
		return nil, &AnalyzeError{Method: r.method, Offset: -1, Reason: "bad descriptor", Err: err}
	}
	entry, err := EntryFrame(a.Owner, access, name, desc, m.MaxLocals)
	if err != nil {
		return nil, &AnalyzeError{Method: r.method, Offset: -1, Reason: err.Error()}
	}
	if len(m.Insns) == 0 {
		return nil, &AnalyzeError{Method: r.method, Offset: -1, Reason: "method has no code"}
	}
	for i, insn := range m.Insns {
		if insn.Op == bytecode.OpLabel {
			r.labelAt[insn.Label] = i
		}
	}
	if err := r.indexHandlers(); err != nil {
		return nil, err
	}

	r.frames[0] = entry.clone()
	r.push(0)
	for r.work.Len() > 0 {
		i := r.work.PopFront()
		r.queued[i] = false
		if err := r.step(i); err != nil {
			return nil, err
		}
	}
	return &Result{Frames: r.frames, MaxStack: r.maxStack, Entry: entry}, nil
}

func (r *run) push(i int) {
	if !r.queued[i] {
		r.queued[i] = true
		r.work.PushBack(i)
	}
}

func (r *run) errorf(i int, format string, args ...any) error {
	insn := r.m.Insns[i]
	return &AnalyzeError{Method: r.method, Index: i, Offset: insn.Offset, Insn: insn.String(), Reason: fmt.Sprintf(format, args...)}
}

func (r *run) indexHandlers() error {
	r.handlers = make([][]*bytecode.Handler, len(r.m.Insns))
	for _, h := range r.m.Handlers {
		start, ok1 := r.labelAt[h.Start]
		end, ok2 := r.labelAt[h.End]
		_, ok3 := r.labelAt[h.Handler]
		if !ok1 || !ok2 || !ok3 {
			return &AnalyzeError{Method: r.method, Offset: -1, Reason: "exception handler label not placed"}
		}
		for i := start; i < end; i++ {
			if r.m.Insns[i].Op != bytecode.OpLabel {
				r.handlers[i] = append(r.handlers[i], h)
			}
		}
	}
	return nil
}

// flow merges f into the frame before instruction i and queues i if it changed.
func (r *run) flow(from, i int, f *Frame) error {
	old := r.frames[i]
	if old == nil {
		r.frames[i] = f.clone()
		r.push(i)
		return nil
	}
	if len(old.Stack) != len(f.Stack) {
		return r.errorf(from, "stack height mismatch at merge point (%d vs %d)", len(old.Stack), len(f.Stack))
	}
	changed := false
	for k := range old.Locals {
		v, _, err := r.t.merge(old.Locals[k], f.Locals[k])
		if err != nil {
			return r.wrap(from, "merging locals", err)
		}
		if v != old.Locals[k] {
			old.Locals[k] = v
			changed = true
		}
	}
	for k := range old.Stack {
		v, ok, err := r.t.merge(old.Stack[k], f.Stack[k])
		if err != nil {
			return r.wrap(from, "merging stack", err)
		}
		if !ok {
			return r.errorf(from, "incompatible stack values at merge point (%s vs %s)", old.Stack[k], f.Stack[k])
		}
		if v != old.Stack[k] {
			old.Stack[k] = v
			changed = true
		}
	}
	if changed {
		r.push(i)
	}
	return nil
}

func (r *run) wrap(i int, reason string, err error) error {
	e := r.errorf(i, "%s", reason).(*AnalyzeError)
	e.Err = err
	return e
}

func (r *run) target(l *bytecode.Label) int { return r.labelAt[l] }

// step interprets instruction i and propagates the resulting frame.
func (r *run) step(i int) error {
	in := r.frames[i]
	insn := r.m.Insns[i]

	for _, h := range r.handlers[i] {
		catch := throwableClass
		if h.CatchType != 0 {
			var err error
			if catch, err = r.Pool.ClassName(h.CatchType); err != nil {
				return r.wrap(i, "bad catch type", err)
			}
		}
		hf := &Frame{Locals: append([]Value(nil), in.Locals...), Stack: []Value{RefValue(catch)}}
		for _, v := range hf.Locals {
			if v.Kind == Uninit {
				// locals holding objects under construction are unusable in handlers
				hf.replace(v, TopValue)
			}
		}
		if err := r.flow(i, r.target(h.Handler), hf); err != nil {
			return err
		}
	}

	if insn.Op == bytecode.OpLabel {
		if i+1 >= len(r.m.Insns) {
			return r.errorf(i, "execution falls off the end of the code")
		}
		return r.flow(i, i+1, in)
	}

	out := in.clone()
	if err := r.execute(i, insn, out); err != nil {
		return err
	}
	if s := out.StackSize(); s > r.maxStack {
		r.maxStack = s
	}

	switch {
	case insn.Op == bytecode.GOTO:
		return r.flow(i, r.target(insn.Target), out)
	case insn.Op.IsConditionalJump():
		if err := r.flow(i, r.target(insn.Target), out); err != nil {
			return err
		}
	case insn.Switch != nil:
		if err := r.flow(i, r.target(insn.Switch.Default), out); err != nil {
			return err
		}
		for _, l := range insn.Switch.Targets {
			if err := r.flow(i, r.target(l), out); err != nil {
				return err
			}
		}
		return nil
	case insn.Op.EndsBlock():
		return nil
	}
	if i+1 >= len(r.m.Insns) {
		return r.errorf(i, "execution falls off the end of the code")
	}
	return r.flow(i, i+1, out)
}

var errStackUnderflow = errors.New("operand stack underflow")

func (r *run) pop(i int, f *Frame) (Value, error) {
	if len(f.Stack) == 0 {
		return Value{}, r.wrap(i, "cannot pop", errStackUnderflow)
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, nil
}

// popKind pops a value and checks it has kind k.
func (r *run) popKind(i int, f *Frame, k Kind) (Value, error) {
	v, err := r.pop(i, f)
	if err != nil {
		return v, err
	}
	if v.Kind != k {
		return v, r.errorf(i, "expected %s on the stack, found %s", k, v)
	}
	return v, nil
}

// popRef pops an initialized reference or null.
func (r *run) popRef(i int, f *Frame) (Value, error) {
	v, err := r.pop(i, f)
	if err != nil {
		return v, err
	}
	if v.Kind != Ref && v.Kind != Null {
		return v, r.errorf(i, "expected a reference on the stack, found %s", v)
	}
	return v, nil
}

// popCategory pops a value of the given computational category (1 or 2).
func (r *run) popCategory(i int, f *Frame, category int) (Value, error) {
	v, err := r.pop(i, f)
	if err != nil {
		return v, err
	}
	if v.Size() != category {
		return v, r.errorf(i, "expected a category %d value on the stack, found %s", category, v)
	}
	return v, nil
}

// popType pops a value matching field type t.
func (r *run) popType(i int, f *Frame, t bytecode.Type) error {
	want := ValueOf(t)
	if want.Kind == Ref {
		v, err := r.popRef(i, f)
		if err != nil {
			return err
		}
		if v.Kind == Ref {
			ok, err := r.t.assignable(want.Class, v.Class)
			var unknown *UnknownClassError
			if err != nil && !errors.As(err, &unknown) {
				return r.wrap(i, "checking assignability", err)
			}
			if err == nil && !ok {
				return r.errorf(i, "%s is not assignable to %s", v.Class, want.Class)
			}
		}
		return nil
	}
	_, err := r.popKind(i, f, want.Kind)
	return err
}

func (r *run) load(i int, f *Frame, v int, k Kind) error {
	if v < 0 || v >= len(f.Locals) {
		return r.errorf(i, "local %d out of range (max_locals %d)", v, len(f.Locals))
	}
	val := f.Locals[v]
	if k == Ref {
		if !val.IsReference() {
			return r.errorf(i, "local %d is %s, expected a reference", v, val)
		}
	} else if val.Kind != k {
		if val.Kind == Top {
			return r.errorf(i, "read of unset local %d", v)
		}
		return r.errorf(i, "local %d is %s, expected %s", v, val, k)
	}
	f.Stack = append(f.Stack, val)
	return nil
}

func (r *run) store(i int, f *Frame, v int, val Value) error {
	if v < 0 || v+val.Size() > len(f.Locals) {
		return r.errorf(i, "local %d out of range (max_locals %d)", v, len(f.Locals))
	}
	if v > 0 && f.Locals[v-1].Size() == 2 {
		f.Locals[v-1] = TopValue
	}
	f.Locals[v] = val
	if val.Size() == 2 {
		f.Locals[v+1] = TopValue
	}
	return nil
}

var loadKinds = [...]Kind{Int, Long, Float, Double, Ref}

func (r *run) execute(i int, insn *bytecode.Insn, f *Frame) error {
	op := insn.Op
	pushV := func(v Value) { f.Stack = append(f.Stack, v) }
	binary := func(k Kind) error {
		if _, err := r.popKind(i, f, k); err != nil {
			return err
		}
		if _, err := r.popKind(i, f, k); err != nil {
			return err
		}
		pushV(Value{Kind: k})
		return nil
	}
	convert := func(from, to Kind) error {
		if _, err := r.popKind(i, f, from); err != nil {
			return err
		}
		pushV(Value{Kind: to})
		return nil
	}

	switch {
	case op == bytecode.NOP:
	case op == bytecode.ACONST_NULL:
		pushV(NullValue)
	case op >= bytecode.ICONST_M1 && op <= bytecode.ICONST_5, op == bytecode.BIPUSH, op == bytecode.SIPUSH:
		pushV(IntValue)
	case op == bytecode.LCONST_0 || op == bytecode.LCONST_1:
		pushV(LongValue)
	case op >= bytecode.FCONST_0 && op <= bytecode.FCONST_2:
		pushV(FloatValue)
	case op == bytecode.DCONST_0 || op == bytecode.DCONST_1:
		pushV(DoubleValue)
	case op == bytecode.LDC || op == bytecode.LDC_W || op == bytecode.LDC2_W:
		v, err := r.constant(insn.Index)
		if err != nil {
			return r.wrap(i, "bad constant", err)
		}
		if (op == bytecode.LDC2_W) != (v.Size() == 2) {
			return r.errorf(i, "%s cannot load %s", op, v)
		}
		pushV(v)
	case op >= bytecode.ILOAD && op <= bytecode.ALOAD:
		return r.load(i, f, insn.Var, loadKinds[op-bytecode.ILOAD])
	case op >= bytecode.IALOAD && op <= bytecode.SALOAD:
		if _, err := r.popKind(i, f, Int); err != nil {
			return err
		}
		arr, err := r.popRef(i, f)
		if err != nil {
			return err
		}
		switch op {
		case bytecode.LALOAD:
			pushV(LongValue)
		case bytecode.FALOAD:
			pushV(FloatValue)
		case bytecode.DALOAD:
			pushV(DoubleValue)
		case bytecode.AALOAD:
			if arr.Kind == Null {
				pushV(NullValue)
				break
			}
			elem, ok := elementOf(arr.Class)
			if !ok || elem.Kind != Ref {
				return r.errorf(i, "aaload on %s", arr)
			}
			pushV(elem)
		default:
			pushV(IntValue)
		}
	case op >= bytecode.ISTORE && op <= bytecode.ASTORE:
		k := loadKinds[op-bytecode.ISTORE]
		v, err := r.pop(i, f)
		if err != nil {
			return err
		}
		if k == Ref {
			if !v.IsReference() {
				return r.errorf(i, "astore of %s", v)
			}
		} else if v.Kind != k {
			return r.errorf(i, "%s of %s", op, v)
		}
		return r.store(i, f, insn.Var, v)
	case op >= bytecode.IASTORE && op <= bytecode.SASTORE:
		k := Int
		switch op {
		case bytecode.LASTORE:
			k = Long
		case bytecode.FASTORE:
			k = Float
		case bytecode.DASTORE:
			k = Double
		}
		if op == bytecode.AASTORE {
			if _, err := r.popRef(i, f); err != nil {
				return err
			}
		} else if _, err := r.popKind(i, f, k); err != nil {
			return err
		}
		if _, err := r.popKind(i, f, Int); err != nil {
			return err
		}
		_, err := r.popRef(i, f)
		return err
	case op >= bytecode.POP && op <= bytecode.SWAP:
		return r.stackOp(i, op, f)
	case op >= bytecode.IADD && op <= bytecode.DREM:
		return binary(loadKinds[(op-bytecode.IADD)%4])
	case op >= bytecode.INEG && op <= bytecode.DNEG:
		k := loadKinds[op-bytecode.INEG]
		return convert(k, k)
	case op >= bytecode.ISHL && op <= bytecode.LUSHR:
		if _, err := r.popKind(i, f, Int); err != nil {
			return err
		}
		k := Int
		if (op-bytecode.ISHL)%2 == 1 {
			k = Long
		}
		return convert(k, k)
	case op >= bytecode.IAND && op <= bytecode.LXOR:
		if (op-bytecode.IAND)%2 == 1 {
			return binary(Long)
		}
		return binary(Int)
	case op == bytecode.IINC:
		if insn.Var < 0 || insn.Var >= len(f.Locals) || f.Locals[insn.Var].Kind != Int {
			return r.errorf(i, "iinc of non-int local %d", insn.Var)
		}
	case op >= bytecode.I2L && op <= bytecode.I2S:
		from := [...]Kind{Int, Int, Int, Long, Long, Long, Float, Float, Float, Double, Double, Double, Int, Int, Int}
		to := [...]Kind{Long, Float, Double, Int, Float, Double, Int, Long, Double, Int, Long, Float, Int, Int, Int}
		k := op - bytecode.I2L
		return convert(from[k], to[k])
	case op == bytecode.LCMP:
		if err := binary(Long); err != nil {
			return err
		}
		f.Stack[len(f.Stack)-1] = IntValue
	case op == bytecode.FCMPL || op == bytecode.FCMPG:
		if err := binary(Float); err != nil {
			return err
		}
		f.Stack[len(f.Stack)-1] = IntValue
	case op == bytecode.DCMPL || op == bytecode.DCMPG:
		if err := binary(Double); err != nil {
			return err
		}
		f.Stack[len(f.Stack)-1] = IntValue
	case op >= bytecode.IFEQ && op <= bytecode.IFLE:
		_, err := r.popKind(i, f, Int)
		return err
	case op >= bytecode.IF_ICMPEQ && op <= bytecode.IF_ICMPLE:
		if _, err := r.popKind(i, f, Int); err != nil {
			return err
		}
		_, err := r.popKind(i, f, Int)
		return err
	case op == bytecode.IF_ACMPEQ || op == bytecode.IF_ACMPNE:
		for range 2 {
			v, err := r.pop(i, f)
			if err != nil {
				return err
			}
			if !v.IsReference() {
				return r.errorf(i, "%s of %s", op, v)
			}
		}
	case op == bytecode.IFNULL || op == bytecode.IFNONNULL:
		v, err := r.pop(i, f)
		if err != nil {
			return err
		}
		if !v.IsReference() {
			return r.errorf(i, "%s of %s", op, v)
		}
	case op == bytecode.GOTO:
	case op == bytecode.JSR || op == bytecode.RET || op == bytecode.JSR_W:
		return r.errorf(i, "subroutines are not supported")
	case op == bytecode.TABLESWITCH || op == bytecode.LOOKUPSWITCH:
		_, err := r.popKind(i, f, Int)
		return err
	case op.IsReturn():
		return r.doReturn(i, op, f)
	case op == bytecode.GETSTATIC || op == bytecode.PUTSTATIC || op == bytecode.GETFIELD || op == bytecode.PUTFIELD:
		return r.field(i, insn, f)
	case op.IsInvoke():
		return r.invoke(i, insn, f)
	case op == bytecode.NEW:
		class, err := r.Pool.ClassName(insn.Index)
		if err != nil {
			return r.wrap(i, "bad class constant", err)
		}
		pushV(Value{Kind: Uninit, Class: class, New: insn})
	case op == bytecode.NEWARRAY:
		if _, err := r.popKind(i, f, Int); err != nil {
			return err
		}
		desc, ok := newarrayTypes[insn.Operand]
		if !ok {
			return r.errorf(i, "bad newarray type %d", insn.Operand)
		}
		pushV(RefValue("[" + desc))
	case op == bytecode.ANEWARRAY:
		if _, err := r.popKind(i, f, Int); err != nil {
			return err
		}
		class, err := r.Pool.ClassName(insn.Index)
		if err != nil {
			return r.wrap(i, "bad class constant", err)
		}
		pushV(RefValue("[" + bytecode.ObjectTypeOf(class).Desc))
	case op == bytecode.ARRAYLENGTH:
		v, err := r.popRef(i, f)
		if err != nil {
			return err
		}
		if v.Kind == Ref && !isArray(v.Class) {
			return r.errorf(i, "arraylength of %s", v)
		}
		pushV(IntValue)
	case op == bytecode.ATHROW:
		_, err := r.popRef(i, f)
		return err
	case op == bytecode.CHECKCAST || op == bytecode.INSTANCEOF:
		if _, err := r.popRef(i, f); err != nil {
			return err
		}
		class, err := r.Pool.ClassName(insn.Index)
		if err != nil {
			return r.wrap(i, "bad class constant", err)
		}
		if op == bytecode.CHECKCAST {
			pushV(RefValue(class))
		} else {
			pushV(IntValue)
		}
	case op == bytecode.MONITORENTER || op == bytecode.MONITOREXIT:
		_, err := r.popRef(i, f)
		return err
	case op == bytecode.MULTIANEWARRAY:
		if insn.Operand < 1 {
			return r.errorf(i, "multianewarray with %d dimensions", insn.Operand)
		}
		for range insn.Operand {
			if _, err := r.popKind(i, f, Int); err != nil {
				return err
			}
		}
		class, err := r.Pool.ClassName(insn.Index)
		if err != nil {
			return r.wrap(i, "bad class constant", err)
		}
		pushV(RefValue(class))
	default:
		return r.errorf(i, "unsupported instruction")
	}
	return nil
}

var newarrayTypes = map[int32]string{4: "Z", 5: "C", 6: "F", 7: "D", 8: "B", 9: "S", 10: "I", 11: "J"}

func (r *run) constant(idx uint16) (Value, error) {
	c, err := r.Pool.Get(idx)
	if err != nil {
		return Value{}, err
	}
	switch c.Tag {
	case classfile.TagInteger:
		return IntValue, nil
	case classfile.TagFloat:
		return FloatValue, nil
	case classfile.TagLong:
		return LongValue, nil
	case classfile.TagDouble:
		return DoubleValue, nil
	case classfile.TagString:
		return RefValue("java/lang/String"), nil
	case classfile.TagClass:
		return RefValue("java/lang/Class"), nil
	case classfile.TagMethodType:
		return RefValue("java/lang/invoke/MethodType"), nil
	case classfile.TagMethodHandle:
		return RefValue("java/lang/invoke/MethodHandle"), nil
	case classfile.TagDynamic:
		_, desc, err := r.Pool.Dynamic(idx)
		if err != nil {
			return Value{}, err
		}
		t, err := bytecode.ParseType(desc)
		if err != nil {
			return Value{}, err
		}
		return ValueOf(t), nil
	}
	return Value{}, fmt.Errorf("constant #%d (%s) is not loadable", idx, c.Tag)
}

func (r *run) doReturn(i int, op bytecode.Opcode, f *Frame) error {
	if want := r.ret.Opcode(bytecode.IRETURN); want != op {
		return r.errorf(i, "%s in method returning %s", op, r.ret)
	}
	if op != bytecode.RETURN {
		if err := r.popType(i, f, r.ret); err != nil {
			return err
		}
	}
	for _, v := range f.Locals {
		if v.Kind == UninitThis {
			return r.errorf(i, "constructor returns before calling super or this")
		}
	}
	return nil
}

func (r *run) field(i int, insn *bytecode.Insn, f *Frame) error {
	ref, err := r.Pool.MemberRef(insn.Index)
	if err != nil {
		return r.wrap(i, "bad field reference", err)
	}
	t, err := bytecode.ParseType(ref.Descriptor)
	if err != nil {
		return r.wrap(i, "bad field descriptor", err)
	}
	switch insn.Op {
	case bytecode.GETSTATIC:
		f.Stack = append(f.Stack, ValueOf(t))
	case bytecode.PUTSTATIC:
		return r.popType(i, f, t)
	case bytecode.GETFIELD:
		if _, err := r.popRef(i, f); err != nil {
			return err
		}
		f.Stack = append(f.Stack, ValueOf(t))
	case bytecode.PUTFIELD:
		if err := r.popType(i, f, t); err != nil {
			return err
		}
		obj, err := r.pop(i, f)
		if err != nil {
			return err
		}
		// fields of this may be set before the super constructor runs
		if obj.Kind != Ref && obj.Kind != Null && !(obj.Kind == UninitThis && ref.Owner == r.Owner) {
			return r.errorf(i, "putfield on %s", obj)
		}
	}
	return nil
}

func (r *run) invoke(i int, insn *bytecode.Insn, f *Frame) error {
	var name, desc, owner string
	if insn.Op == bytecode.INVOKEDYNAMIC {
		var err error
		if name, desc, err = r.Pool.Dynamic(insn.Index); err != nil {
			return r.wrap(i, "bad invokedynamic", err)
		}
	} else {
		ref, err := r.Pool.MemberRef(insn.Index)
		if err != nil {
			return r.wrap(i, "bad method reference", err)
		}
		name, desc, owner = ref.Name, ref.Descriptor, ref.Owner
	}
	args, ret, err := bytecode.ParseMethodType(desc)
	if err != nil {
		return r.wrap(i, "bad method descriptor", err)
	}
	for k := len(args) - 1; k >= 0; k-- {
		if err := r.popType(i, f, args[k]); err != nil {
			return err
		}
	}
	if insn.Op != bytecode.INVOKESTATIC && insn.Op != bytecode.INVOKEDYNAMIC {
		recv, err := r.pop(i, f)
		if err != nil {
			return err
		}
		if name == "<init>" {
			if insn.Op != bytecode.INVOKESPECIAL {
				return r.errorf(i, "constructor called with %s", insn.Op)
			}
			switch recv.Kind {
			case UninitThis:
				f.replace(recv, RefValue(r.Owner))
			case Uninit:
				f.replace(recv, RefValue(recv.Class))
			default:
				return r.errorf(i, "constructor called on %s", recv)
			}
		} else if recv.Kind != Ref && recv.Kind != Null {
			return r.errorf(i, "%s.%s called on %s", owner, name, recv)
		}
	}
	if ret.Sort != bytecode.SortVoid {
		f.Stack = append(f.Stack, ValueOf(ret))
	}
	return nil
}

// stackOp implements the untyped stack manipulation instructions.
func (r *run) stackOp(i int, op bytecode.Opcode, f *Frame) error {
	pop := func() (Value, error) { return r.pop(i, f) }
	push := func(vs ...Value) { f.Stack = append(f.Stack, vs...) }
	cat1 := func() (Value, error) { return r.popCategory(i, f, 1) }

	switch op {
	case bytecode.POP:
		_, err := cat1()
		return err
	case bytecode.POP2:
		v, err := pop()
		if err != nil || v.Size() == 2 {
			return err
		}
		_, err = cat1()
		return err
	case bytecode.DUP:
		v, err := cat1()
		if err != nil {
			return err
		}
		push(v, v)
	case bytecode.DUP_X1:
		v1, err := cat1()
		if err != nil {
			return err
		}
		v2, err := cat1()
		if err != nil {
			return err
		}
		push(v1, v2, v1)
	case bytecode.DUP_X2:
		v1, err := cat1()
		if err != nil {
			return err
		}
		v2, err := pop()
		if err != nil {
			return err
		}
		if v2.Size() == 2 {
			push(v1, v2, v1)
			return nil
		}
		v3, err := cat1()
		if err != nil {
			return err
		}
		push(v1, v3, v2, v1)
	case bytecode.DUP2:
		v1, err := pop()
		if err != nil {
			return err
		}
		if v1.Size() == 2 {
			push(v1, v1)
			return nil
		}
		v2, err := cat1()
		if err != nil {
			return err
		}
		push(v2, v1, v2, v1)
	case bytecode.DUP2_X1:
		v1, err := pop()
		if err != nil {
			return err
		}
		if v1.Size() == 2 {
			v2, err := cat1()
			if err != nil {
				return err
			}
			push(v1, v2, v1)
			return nil
		}
		v2, err := cat1()
		if err != nil {
			return err
		}
		v3, err := cat1()
		if err != nil {
			return err
		}
		push(v2, v1, v3, v2, v1)
	case bytecode.DUP2_X2:
		v1, err := pop()
		if err != nil {
			return err
		}
		if v1.Size() == 2 {
			v2, err := pop()
			if err != nil {
				return err
			}
			if v2.Size() == 2 {
				push(v1, v2, v1)
				return nil
			}
			v3, err := cat1()
			if err != nil {
				return err
			}
			push(v1, v3, v2, v1)
			return nil
		}
		v2, err := cat1()
		if err != nil {
			return err
		}
		v3, err := pop()
		if err != nil {
			return err
		}
		if v3.Size() == 2 {
			push(v2, v1, v3, v2, v1)
			return nil
		}
		v4, err := cat1()
		if err != nil {
			return err
		}
		push(v2, v1, v4, v3, v2, v1)
	case bytecode.SWAP:
		v1, err := cat1()
		if err != nil {
			return err
		}
		v2, err := cat1()
		if err != nil {
			return err
		}
		push(v1, v2)
	}
	return nil
}
