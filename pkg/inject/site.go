package inject

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
)

const (
	isCancelledDesc = "()Z"
	ciCtorDesc      = "(Ljava/lang/String;Z)V"
)

// site generates the injected sequences of one target method.
type site struct {
	s      *splicer
	member *classfile.Member
	m      *bytecode.Method
	args   []bytecode.Type
	slots  []int // local slot of each argument
	ret    bytecode.Type
	// next is the first unallocated local slot.
	next int
	end  *bytecode.Label
}

func newSite(s *splicer, member *classfile.Member, m *bytecode.Method) (*site, error) {
	args, ret, err := bytecode.ParseMethodType(member.Descriptor)
	if err != nil {
		return nil, &classfile.MalformedClassError{Class: s.class.Name(), Reason: "bad method descriptor " + member.Descriptor, Err: err}
	}
	st := &site{s: s, member: member, m: m, args: args, ret: ret, next: m.MaxLocals}
	slot := 0
	if !member.IsStatic() {
		slot = 1
	}
	for _, a := range args {
		st.slots = append(st.slots, slot)
		slot += a.Size()
	}
	return st, nil
}

func (st *site) alloc(size int) int {
	v := st.next
	st.next += size
	return v
}

// finish records the locals allocated by every build.
func (st *site) finish() {
	st.m.MaxLocals = st.next
	if st.end != nil {
		st.m.Insns = append(st.m.Insns, bytecode.LabelInsn(st.end))
	}
}

// build returns the instructions to insert before target for point p.
func (st *site) build(p Point, target *bytecode.Insn, frame *analysis.Frame) ([]*bytecode.Insn, error) {
	d := p.Desc
	if !d.Handler.Static {
		if st.member.IsStatic() {
			return nil, st.s.incompatible(p, "instance handler %s cannot be called from a static method", d.Handler.Name)
		}
		if frame.Locals[0].Kind != analysis.Ref {
			return nil, st.s.incompatible(p, "this is not initialized at this point")
		}
	}
	if d.Cancellable && st.member.Name == "<init>" {
		return nil, st.s.incompatible(p, "constructors cannot be cancelled")
	}

	ciClass := analysis.CallbackInfoClass
	if st.ret.Sort != bytecode.SortVoid {
		ciClass = analysis.CallbackInfoReturnableClass
	}
	needCI := false
	for _, t := range d.params {
		if !isCallbackInfo(t) {
			continue
		}
		needCI = true
		if t.InternalName() == analysis.CallbackInfoReturnableClass && ciClass != t.InternalName() {
			return nil, st.s.incompatible(p, "handler takes %s but the target returns void", t.InternalName())
		}
	}

	var out []*bytecode.Insn
	ciVar := -1
	if needCI {
		insns, v, err := st.callbackInfo(ciClass, target, d.Cancellable)
		if err != nil {
			return nil, err
		}
		out = append(out, insns...)
		ciVar = v
	}
	if !d.Handler.Static {
		out = append(out, bytecode.VarInsn(bytecode.ALOAD, 0))
	}
	loads, err := st.arguments(p, frame, ciVar)
	if err != nil {
		return nil, err
	}
	out = append(out, loads...)

	call, err := st.invokeHandler(d.Handler)
	if err != nil {
		return nil, err
	}
	out = append(out, call)

	if d.Cancellable && needCI {
		check, err := st.cancellation(ciClass, ciVar)
		if err != nil {
			return nil, err
		}
		out = append(out, check...)
	}
	return out, nil
}

// callbackInfo creates the callback object in a fresh local. At a value
// return the returned value is captured into the callback.
func (st *site) callbackInfo(ciClass string, target *bytecode.Insn, cancellable bool) ([]*bytecode.Insn, int, error) {
	pool := st.s.class.Pool
	var out []*bytecode.Insn
	ctorDesc := ciCtorDesc
	var loadValue *bytecode.Insn
	if target.Op.IsReturn() && target.Op != bytecode.RETURN {
		tmp := st.alloc(st.ret.Size())
		dup := bytecode.DUP
		if st.ret.Size() == 2 {
			dup = bytecode.DUP2
		}
		out = append(out,
			bytecode.Op(dup),
			bytecode.VarInsn(st.ret.Opcode(bytecode.ISTORE), tmp),
		)
		loadValue = bytecode.VarInsn(st.ret.Opcode(bytecode.ILOAD), tmp)
		ctorDesc = "(Ljava/lang/String;Z" + erased(st.ret).Desc + ")V"
	}

	ciVar := st.alloc(1)
	cls, err := pool.AddClass(ciClass)
	if err != nil {
		return nil, 0, err
	}
	name, err := pool.AddString(st.member.Name)
	if err != nil {
		return nil, 0, err
	}
	ctor, err := pool.AddMethodRef(ciClass, "<init>", ctorDesc, false)
	if err != nil {
		return nil, 0, err
	}
	flag := bytecode.ICONST_0
	if cancellable {
		flag = bytecode.ICONST_1
	}
	out = append(out,
		bytecode.RefInsn(bytecode.NEW, cls),
		bytecode.Op(bytecode.DUP),
		bytecode.RefInsn(bytecode.LDC, name),
		bytecode.Op(flag),
	)
	if loadValue != nil {
		out = append(out, loadValue)
	}
	start := bytecode.NewLabel()
	out = append(out,
		bytecode.RefInsn(bytecode.INVOKESPECIAL, ctor),
		bytecode.VarInsn(bytecode.ASTORE, ciVar),
		bytecode.LabelInsn(start),
	)

	if len(st.m.Locals) != 0 {
		if err := st.declareLocal(start, "callbackInfo"+strconv.Itoa(ciVar), "L"+ciClass+";", ciVar); err != nil {
			return nil, 0, err
		}
	}
	return out, ciVar, nil
}

// declareLocal adds a local variable table entry live until the method end.
func (st *site) declareLocal(start *bytecode.Label, name, desc string, slot int) error {
	pool := st.s.class.Pool
	ni, err := pool.AddUTF8(name)
	if err != nil {
		return err
	}
	di, err := pool.AddUTF8(desc)
	if err != nil {
		return err
	}
	if st.end == nil {
		st.end = bytecode.NewLabel()
	}
	st.m.Locals = append(st.m.Locals, bytecode.LocalVar{
		Start: start, End: st.end, NameIndex: ni, DescIndex: di, Index: slot,
	})
	return nil
}

// erased maps reference types to Object, as callback constructors and
// getters are declared.
func erased(t bytecode.Type) bytecode.Type {
	if t.IsReference() {
		return bytecode.ObjectType
	}
	return t
}

func (st *site) invokeHandler(h Handler) (*bytecode.Insn, error) {
	owner := h.Owner
	itf := h.Interface
	if owner == "" {
		owner = st.s.class.Name()
		itf = itf || st.s.class.IsInterface()
	}
	op := bytecode.INVOKEVIRTUAL
	switch {
	case h.Static:
		op = bytecode.INVOKESTATIC
	case h.Private:
		op = bytecode.INVOKESPECIAL
	case itf:
		op = bytecode.INVOKEINTERFACE
	}
	ref, err := st.s.class.Pool.AddMethodRef(owner, h.Name, h.Desc, itf)
	if err != nil {
		return nil, err
	}
	return bytecode.RefInsn(op, ref), nil
}

// cancellation returns from the target when the handler cancelled the
// callback, with the callback's return value for non-void targets.
func (st *site) cancellation(ciClass string, ciVar int) ([]*bytecode.Insn, error) {
	pool := st.s.class.Pool
	isCancelled, err := pool.AddMethodRef(ciClass, "isCancelled", isCancelledDesc, false)
	if err != nil {
		return nil, err
	}
	resume := bytecode.NewLabel()
	out := []*bytecode.Insn{
		bytecode.VarInsn(bytecode.ALOAD, ciVar),
		bytecode.RefInsn(bytecode.INVOKEVIRTUAL, isCancelled),
		bytecode.JumpInsn(bytecode.IFEQ, resume),
	}
	if st.ret.Sort != bytecode.SortVoid {
		getter := "getReturnValue"
		if !st.ret.IsReference() {
			getter += st.ret.Desc
		}
		get, err := pool.AddMethodRef(ciClass, getter, "()"+erased(st.ret).Desc, false)
		if err != nil {
			return nil, err
		}
		out = append(out,
			bytecode.VarInsn(bytecode.ALOAD, ciVar),
			bytecode.RefInsn(bytecode.INVOKEVIRTUAL, get),
		)
		if st.ret.IsReference() && st.ret != bytecode.ObjectType {
			cls, err := pool.AddClass(st.ret.InternalName())
			if err != nil {
				return nil, err
			}
			out = append(out, bytecode.RefInsn(bytecode.CHECKCAST, cls))
		}
	}
	out = append(out,
		bytecode.Op(st.ret.Opcode(bytecode.IRETURN)),
		bytecode.LabelInsn(resume),
	)
	return out, nil
}

// arguments loads the handler's parameters.
func (st *site) arguments(p Point, frame *analysis.Frame, ciVar int) ([]*bytecode.Insn, error) {
	d := p.Desc
	var plain []bytecode.Type
	for _, t := range d.params {
		if !isCallbackInfo(t) {
			plain = append(plain, t)
		}
	}
	if d.strategy == Strict {
		if len(st.args) > len(plain) {
			return nil, st.s.incompatible(p, "strict handler %s takes %d of the target's %d arguments",
				d.Handler.Name, len(plain), len(st.args))
		}
		for i, a := range st.args {
			if plain[i] != a {
				return nil, st.s.incompatible(p, "strict handler %s: parameter %d is %s, target argument is %s",
					d.Handler.Name, i, plain[i].Desc, a.Desc)
			}
		}
	}

	var out []*bytecode.Insn
	k := 0 // position among non-callback parameters
	for i, t := range d.params {
		if isCallbackInfo(t) {
			out = append(out, bytecode.VarInsn(bytecode.ALOAD, ciVar))
			continue
		}
		var slot int
		if a := d.Args[i]; a != nil {
			var err error
			if slot, err = st.selectLocal(p, a, t, frame); err != nil {
				return nil, err
			}
		} else {
			if k >= len(st.args) {
				return nil, st.s.incompatible(p, "parameter %d (%s) has no target argument and no selector", i, t.Desc)
			}
			slot = st.slots[k]
		}
		k++
		if slot >= len(frame.Locals) {
			return nil, st.s.incompatible(p, "parameter %d: local %d out of range", i, slot)
		}
		if !fits(frame.Locals[slot], t) {
			return nil, st.s.incompatible(p, "parameter %d: local %d holds %s, handler wants %s",
				i, slot, frame.Locals[slot], t.Desc)
		}
		out = append(out, bytecode.VarInsn(t.Opcode(bytecode.ILOAD), slot))
	}
	return out, nil
}

// fits reports whether a local holding v may be passed as t.
// Reference assignability is left to the analysis of the spliced method.
func fits(v analysis.Value, t bytecode.Type) bool {
	if t.IsReference() {
		return v.Kind == analysis.Ref || v.Kind == analysis.Null
	}
	return v.Kind == analysis.ValueOf(t).Kind
}

// candidate is a local a parameter selector may pick.
type candidate struct {
	slot  int
	desc  string // from the local variable table, empty if unknown
	value analysis.Value
	name  string
}

func (c candidate) is(t bytecode.Type) bool {
	if c.desc != "" {
		return c.desc == t.Desc
	}
	return c.value == analysis.ValueOf(t)
}

func (c candidate) String() string {
	desc := c.desc
	if desc == "" {
		desc = c.value.String()
	}
	if c.name == "" {
		return fmt.Sprintf("%d:%s", c.slot, desc)
	}
	return fmt.Sprintf("%d:%s %s", c.slot, desc, c.name)
}

// candidates lists the target's arguments, or every live local if local is set.
func (st *site) candidates(offset int, frame *analysis.Frame, local bool) []candidate {
	var out []candidate
	if !local {
		for i, a := range st.args {
			slot := st.slots[i]
			out = append(out, candidate{slot: slot, desc: a.Desc, value: frame.Locals[slot], name: st.localName(slot, offset)})
		}
		return out
	}
	slot := 0
	if !st.member.IsStatic() {
		slot = 1
	}
	for slot < len(frame.Locals) {
		v := frame.Locals[slot]
		switch v.Kind {
		case analysis.Int, analysis.Float, analysis.Long, analysis.Double, analysis.Ref:
			c := candidate{slot: slot, value: v, name: st.localName(slot, offset)}
			c.desc = st.localDesc(slot, offset)
			out = append(out, c)
		}
		slot += v.Size()
	}
	return out
}

// localEntry finds the local variable table entry of slot live at offset.
func (st *site) localEntry(slot, offset int) (bytecode.LocalVar, bool) {
	for _, lv := range st.m.Locals {
		if lv.Index == slot && lv.Start.Offset >= 0 && lv.Start.Offset <= offset && offset < lv.End.Offset {
			return lv, true
		}
	}
	return bytecode.LocalVar{}, false
}

func (st *site) localName(slot, offset int) string {
	lv, ok := st.localEntry(slot, offset)
	if !ok {
		return ""
	}
	name, _ := st.s.class.Pool.UTF8(lv.NameIndex)
	return name
}

func (st *site) localDesc(slot, offset int) string {
	lv, ok := st.localEntry(slot, offset)
	if !ok {
		return ""
	}
	desc, _ := st.s.class.Pool.UTF8(lv.DescIndex)
	return desc
}

// selectLocal resolves a parameter selector to a local slot.
func (st *site) selectLocal(p Point, a *Arg, t bytecode.Type, frame *analysis.Frame) (int, error) {
	if a.Index >= 0 {
		return a.Index, nil
	}
	all := st.candidates(p.Offset, frame, a.Local)
	var typed []candidate
	for _, c := range all {
		if c.is(t) {
			typed = append(typed, c)
		}
	}
	if a.Print {
		st.s.opts.Log.Info("argument candidates", "injection", p.Desc.ID,
			"method", p.Method, "offset", p.Offset, "type", t.Desc,
			"candidates", fmt.Sprint(all), "matching", fmt.Sprint(typed))
	}
	kind := "argument"
	if a.Local {
		kind = "local"
	}
	switch {
	case len(a.Names) != 0:
		var named []candidate
		for _, c := range typed {
			if slices.Contains(a.Names, c.name) {
				named = append(named, c)
			}
		}
		if len(named) != 1 {
			return 0, st.s.incompatible(p, "%d %ss of type %s named %v", len(named), kind, t.Desc, a.Names)
		}
		return named[0].slot, nil
	case a.Ordinal >= 0:
		if a.Ordinal >= len(typed) {
			return 0, st.s.incompatible(p, "no %s of type %s with ordinal %d (%d found)", kind, t.Desc, a.Ordinal, len(typed))
		}
		return typed[a.Ordinal].slot, nil
	}
	if len(typed) != 1 {
		return 0, st.s.incompatible(p, "%d %ss of type %s, need exactly one or an ordinal", len(typed), kind, t.Desc)
	}
	return typed[0].slot, nil
}
