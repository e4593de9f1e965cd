package inject

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/verify"
)

func fooClass(t *testing.T) *classfile.Class {
	c := newClass(t, "app/Target")
	addMethod(t, c, classfile.AccPublic, "foo", "()V", 1,
		bytecode.Op(bytecode.ICONST_1),
		bytecode.Op(bytecode.POP),
		bytecode.Op(bytecode.RETURN),
	)
	addMethod(t, c, classfile.AccPublic, "baz", "()V", 1, bytecode.Op(bytecode.RETURN))
	return c
}

func TestLogEntryAtHead(t *testing.T) {
	c := fooClass(t)
	reg := NewRegistry()
	require.NoError(t, reg.Register(staticHook("log-entry", "foo", "()V", Head(), "logEntry", "()V")))
	descs := reg.Freeze().Lookup("app/Target")
	require.Len(t, descs, 1)

	loc, err := Locate(c, descs)
	require.NoError(t, err)
	require.Len(t, loc.Points, 1)
	assert.Empty(t, loc.Warnings)
	p := loc.Points[0]
	assert.Equal(t, "foo()V", p.Method)
	assert.Equal(t, 0, p.Offset)
	assert.Equal(t, AtHead, p.Kind)

	out, err := Splice(c, loc.Points, Options{})
	require.NoError(t, err)

	m, _ := decoded(t, out, "foo", "()V")
	assert.Equal(t, []bytecode.Opcode{bytecode.INVOKESTATIC, bytecode.ICONST_1, bytecode.POP, bytecode.RETURN}, ops(m))
	ref, err := out.Pool.MemberRef(m.Instructions()[0].Index)
	require.NoError(t, err)
	assert.Equal(t, classfile.MemberRef{Owner: "app/Hooks", Name: "logEntry", Descriptor: "()V"}, ref)

	// the input is untouched and the output survives a round trip
	orig, _ := decoded(t, c, "foo", "()V")
	assert.Len(t, orig.Instructions(), 3)
	b, err := out.Serialize()
	require.NoError(t, err)
	again, err := classfile.Parse(b)
	require.NoError(t, err)
	m2, _ := decoded(t, again, "foo", "()V")
	assert.Equal(t, ops(m), ops(m2))
}

func TestConflictAtSameOffset(t *testing.T) {
	c := fooClass(t)
	second := staticHook("b-second", "foo", "()V", Head(), "one", "()V")
	first := staticHook("a-first", "foo", "()V", Offset(0), "two", "()V")

	loc, err := Locate(c, []*Descriptor{second, first})
	require.NoError(t, err)
	require.Len(t, loc.Points, 2)

	for _, points := range [][]Point{loc.Points, {loc.Points[1], loc.Points[0]}} {
		_, err = Splice(c, points, Options{})
		var conflict *ConflictingInjectionError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "a-first", conflict.First)
		assert.Equal(t, "b-second", conflict.Second)
		assert.Equal(t, 0, conflict.Offset)
		assert.Equal(t, "foo()V", conflict.Method)
	}
}

func TestRequiredTargetAbsent(t *testing.T) {
	c := fooClass(t)
	d := staticHook("needs-bar", "bar", "", Head(), "h", "()V")
	d.Required = true

	out, loc, err := locateAndSplice(t, c, d)
	var unmatched *UnmatchedRequiredInjectionError
	require.ErrorAs(t, err, &unmatched)
	assert.Nil(t, out)
	assert.Nil(t, loc)
	assert.Equal(t, "needs-bar", unmatched.ID)
	assert.Equal(t, "app/Target", unmatched.Class)
	assert.Equal(t, []string{"baz"}, unmatched.Suggestions)
	assert.Contains(t, err.Error(), "did you mean baz?")
}

func TestOptionalTargetWarns(t *testing.T) {
	c := fooClass(t)
	missing := staticHook("optional", "bar", "()V", Head(), "h", "()V")
	few := staticHook("few", "foo", "()V", Return(), "h", "()V")
	few.Expect = 2

	loc, err := Locate(c, []*Descriptor{missing, few})
	require.NoError(t, err)
	assert.Len(t, loc.Points, 1)
	require.Len(t, loc.Warnings, 2)
	assert.Equal(t, "optional", loc.Warnings[0].ID)
	assert.Equal(t, 0, loc.Warnings[0].Found)
	assert.Equal(t, "few", loc.Warnings[1].ID)
	assert.Equal(t, 1, loc.Warnings[1].Found)
	assert.Equal(t, 2, loc.Warnings[1].Expected)
}

func TestClassPatternIgnoresOtherClasses(t *testing.T) {
	c := fooClass(t)
	d := staticHook("elsewhere", "foo", "()V", Head(), "h", "()V")
	d.Target.Class = "other/*"
	d.Required = true
	loc, err := Locate(c, []*Descriptor{d})
	require.NoError(t, err)
	assert.Empty(t, loc.Points)
	assert.Empty(t, loc.Warnings)

	d.Target.Class = "app/*"
	loc, err = Locate(c, []*Descriptor{d})
	require.NoError(t, err)
	assert.Len(t, loc.Points, 1)
}

// twoExits is: static int twoExits(int x) { if (x == 0) return 2; return 1; }
func twoExitsClass(t *testing.T) *classfile.Class {
	c := newClass(t, "app/Target")
	elseL := bytecode.NewLabel()
	addMethod(t, c, classfile.AccStatic, "twoExits", "(I)I", 1,
		bytecode.VarInsn(bytecode.ILOAD, 0),
		bytecode.JumpInsn(bytecode.IFEQ, elseL),
		bytecode.Op(bytecode.ICONST_1),
		bytecode.Op(bytecode.IRETURN),
		bytecode.LabelInsn(elseL),
		bytecode.Op(bytecode.ICONST_2),
		bytecode.Op(bytecode.IRETURN),
	)
	return c
}

func TestSpliceOrderIndependent(t *testing.T) {
	c := twoExitsClass(t)
	loc, err := Locate(c, []*Descriptor{
		staticHook("head", "twoExits", "(I)I", Head(), "enter", "(I)V"),
		staticHook("exit", "twoExits", "(I)I", Return(), "exit", "("+cirDesc+")V"),
	})
	require.NoError(t, err)
	require.Len(t, loc.Points, 3)

	want, err := Splice(c, loc.Points, Options{})
	require.NoError(t, err)
	wantBytes, err := want.Serialize()
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	for range 10 {
		points := append([]Point(nil), loc.Points...)
		r.Shuffle(len(points), func(i, j int) { points[i], points[j] = points[j], points[i] })
		got, err := Splice(c, points, Options{})
		require.NoError(t, err)
		gotBytes, err := got.Serialize()
		require.NoError(t, err)
		assert.Equal(t, wantBytes, gotBytes)
	}

	_, code := decoded(t, want, "twoExits", "(I)I")
	assert.True(t, hasAttribute(code, "StackMapTable"))
}

func TestReturnValueCapture(t *testing.T) {
	c := newClass(t, "app/Target")
	addMethod(t, c, classfile.AccStatic, "compute", "()I", 0,
		bytecode.Op(bytecode.ICONST_5),
		bytecode.Op(bytecode.IRETURN),
	)
	out, _, err := locateAndSplice(t, c,
		staticHook("capture", "compute", "()I", Return(), "onReturn", "("+cirDesc+")V"))
	require.NoError(t, err)

	m, code := decoded(t, out, "compute", "()I")
	assert.Equal(t, []bytecode.Opcode{
		bytecode.ICONST_5,
		bytecode.DUP, bytecode.ISTORE,
		bytecode.NEW, bytecode.DUP, bytecode.LDC, bytecode.ICONST_0, bytecode.ILOAD,
		bytecode.INVOKESPECIAL, bytecode.ASTORE,
		bytecode.ALOAD, bytecode.INVOKESTATIC,
		bytecode.IRETURN,
	}, ops(m))
	insns := m.Instructions()
	ctor, err := out.Pool.MemberRef(insns[8].Index)
	require.NoError(t, err)
	assert.Equal(t, analysis.CallbackInfoReturnableClass, ctor.Owner)
	assert.Equal(t, "(Ljava/lang/String;ZI)V", ctor.Descriptor)
	assert.Equal(t, 0, insns[2].Var)
	assert.Equal(t, 1, insns[9].Var)
	assert.EqualValues(t, 2, code.MaxLocals)
	assert.EqualValues(t, 6, code.MaxStack)
}

func TestCancellation(t *testing.T) {
	tests := []struct {
		name   string
		desc   string
		body   func(c *classfile.Class) []*bytecode.Insn
		handle string
		want   []bytecode.Opcode
		getter string
	}{
		{
			name: "void", desc: "()V", handle: ciDesc,
			body: func(*classfile.Class) []*bytecode.Insn { return []*bytecode.Insn{bytecode.Op(bytecode.RETURN)} },
			want: []bytecode.Opcode{
				bytecode.NEW, bytecode.DUP, bytecode.LDC, bytecode.ICONST_1, bytecode.INVOKESPECIAL, bytecode.ASTORE,
				bytecode.ALOAD, bytecode.INVOKESTATIC,
				bytecode.ALOAD, bytecode.INVOKEVIRTUAL, bytecode.IFEQ, bytecode.RETURN,
				bytecode.RETURN,
			},
		},
		{
			name: "int", desc: "()I", handle: cirDesc, getter: "getReturnValueI()I",
			body: func(*classfile.Class) []*bytecode.Insn {
				return []*bytecode.Insn{bytecode.Op(bytecode.ICONST_5), bytecode.Op(bytecode.IRETURN)}
			},
			want: []bytecode.Opcode{
				bytecode.NEW, bytecode.DUP, bytecode.LDC, bytecode.ICONST_1, bytecode.INVOKESPECIAL, bytecode.ASTORE,
				bytecode.ALOAD, bytecode.INVOKESTATIC,
				bytecode.ALOAD, bytecode.INVOKEVIRTUAL, bytecode.IFEQ,
				bytecode.ALOAD, bytecode.INVOKEVIRTUAL, bytecode.IRETURN,
				bytecode.ICONST_5, bytecode.IRETURN,
			},
		},
		{
			name: "string", desc: "()Ljava/lang/String;", handle: cirDesc, getter: "getReturnValue()Ljava/lang/Object;",
			body: func(c *classfile.Class) []*bytecode.Insn {
				idx, _ := c.Pool.AddString("x")
				return []*bytecode.Insn{bytecode.RefInsn(bytecode.LDC, idx), bytecode.Op(bytecode.ARETURN)}
			},
			want: []bytecode.Opcode{
				bytecode.NEW, bytecode.DUP, bytecode.LDC, bytecode.ICONST_1, bytecode.INVOKESPECIAL, bytecode.ASTORE,
				bytecode.ALOAD, bytecode.INVOKESTATIC,
				bytecode.ALOAD, bytecode.INVOKEVIRTUAL, bytecode.IFEQ,
				bytecode.ALOAD, bytecode.INVOKEVIRTUAL, bytecode.CHECKCAST, bytecode.ARETURN,
				bytecode.LDC, bytecode.ARETURN,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClass(t, "app/Target")
			addMethod(t, c, classfile.AccStatic, "run", tt.desc, 0, tt.body(c)...)
			d := staticHook("cancel", "run", tt.desc, Head(), "maybeCancel", "("+tt.handle+")V")
			d.Cancellable = true

			out, _, err := locateAndSplice(t, c, d)
			require.NoError(t, err)
			m, code := decoded(t, out, "run", tt.desc)
			assert.Equal(t, tt.want, ops(m))
			assert.True(t, hasAttribute(code, "StackMapTable"))

			insns := m.Instructions()
			isCancelled, err := out.Pool.MemberRef(insns[9].Index)
			require.NoError(t, err)
			assert.Equal(t, "isCancelled", isCancelled.Name)
			if tt.getter != "" {
				get, err := out.Pool.MemberRef(insns[12].Index)
				require.NoError(t, err)
				assert.Equal(t, tt.getter, get.Name+get.Descriptor)
			}
		})
	}
}

func TestStrictArguments(t *testing.T) {
	sum := func(t *testing.T) *classfile.Class {
		c := newClass(t, "app/Target")
		addMethod(t, c, classfile.AccStatic, "sum", "(JI)J", 3,
			bytecode.VarInsn(bytecode.LLOAD, 0),
			bytecode.VarInsn(bytecode.ILOAD, 2),
			bytecode.Op(bytecode.I2L),
			bytecode.Op(bytecode.LADD),
			bytecode.Op(bytecode.LRETURN),
		)
		return c
	}

	t.Run("prefix with callback", func(t *testing.T) {
		c := sum(t)
		d := staticHook("strict", "sum", "(JI)J", Head(), "h", "(JI"+cirDesc+")V")
		out, _, err := locateAndSplice(t, c, d)
		require.NoError(t, err)
		m, _ := decoded(t, out, "sum", "(JI)J")
		insns := m.Instructions()
		require.Equal(t, bytecode.ASTORE, insns[5].Op)
		assert.Equal(t, 3, insns[5].Var)
		assert.Equal(t, []bytecode.Opcode{bytecode.LLOAD, bytecode.ILOAD, bytecode.ALOAD, bytecode.INVOKESTATIC},
			ops(m)[6:10])
		assert.Equal(t, 0, insns[6].Var)
		assert.Equal(t, 2, insns[7].Var)
	})

	for _, handler := range []string{"(I)V", "(JJ)V"} {
		t.Run("mismatch "+handler, func(t *testing.T) {
			_, _, err := locateAndSplice(t, sum(t), staticHook("strict", "sum", "(JI)J", Head(), "h", handler))
			var incompatible *IncompatibleHandlerError
			require.ErrorAs(t, err, &incompatible)
			assert.Equal(t, "strict", incompatible.ID)
			assert.Contains(t, incompatible.Reason, "strict handler")
		})
	}

	t.Run("no parameters", func(t *testing.T) {
		_, _, err := locateAndSplice(t, sum(t), staticHook("none", "sum", "(JI)J", Head(), "h", "()V"))
		require.NoError(t, err)
	})
}

func TestLightArguments(t *testing.T) {
	const desc = "(Ljava/lang/String;ILjava/lang/String;)V"
	class := func(t *testing.T) *classfile.Class {
		c := newClass(t, "app/Target")
		addMethod(t, c, classfile.AccStatic, "greet", desc, 3, bytecode.Op(bytecode.RETURN))
		return c
	}
	tests := []struct {
		name    string
		handler string
		args    []*Arg
		want    []int
		wantErr string
	}{
		{"ordinal", "(Ljava/lang/String;)V", []*Arg{ArgOrdinal(1)}, []int{2}, ""},
		{"implicit", "(I)V", []*Arg{ArgImplicit()}, []int{1}, ""},
		{"index", "(Ljava/lang/String;I)V", []*Arg{ArgIndex(0), ArgImplicit()}, []int{0, 1}, ""},
		{"ambiguous", "(Ljava/lang/String;)V", []*Arg{ArgImplicit()}, nil, "need exactly one"},
		{"ordinal too large", "(I)V", []*Arg{ArgOrdinal(1)}, nil, "ordinal 1"},
		{"index holds other type", "(I)V", []*Arg{ArgIndex(0)}, nil, "holds java/lang/String"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := staticHook(tt.name, "greet", desc, Head(), "h", tt.handler)
			d.Args = tt.args
			out, _, err := locateAndSplice(t, class(t), d)
			if tt.wantErr != "" {
				var incompatible *IncompatibleHandlerError
				require.ErrorAs(t, err, &incompatible)
				assert.Contains(t, incompatible.Reason, tt.wantErr)
				return
			}
			require.NoError(t, err)
			m, _ := decoded(t, out, "greet", desc)
			insns := m.Instructions()
			for i, slot := range tt.want {
				assert.Equal(t, slot, insns[i].Var)
			}
			assert.Equal(t, bytecode.INVOKESTATIC, insns[len(tt.want)].Op)
		})
	}
}

func TestLocalArguments(t *testing.T) {
	c := newClass(t, "app/Target")
	s := stringConst(t, c, "s")
	addMethod(t, c, classfile.AccStatic, "locals", "()V", 2,
		bytecode.Op(bytecode.ICONST_3),
		bytecode.VarInsn(bytecode.ISTORE, 0),
		bytecode.RefInsn(bytecode.LDC, s),
		bytecode.VarInsn(bytecode.ASTORE, 1),
		bytecode.Op(bytecode.RETURN),
	)
	d := staticHook("locals", "locals", "()V", Return(), "h", "(Ljava/lang/String;I)V")
	d.Args = []*Arg{LocalOrdinal(0), LocalOrdinal(0)}
	out, _, err := locateAndSplice(t, c, d)
	require.NoError(t, err)
	m, _ := decoded(t, out, "locals", "()V")
	insns := m.Instructions()
	require.Equal(t, bytecode.ALOAD, insns[4].Op)
	assert.Equal(t, 1, insns[4].Var)
	require.Equal(t, bytecode.ILOAD, insns[5].Op)
	assert.Equal(t, 0, insns[5].Var)
}

func TestInstanceHandler(t *testing.T) {
	c := fooClass(t)
	addMethod(t, c, classfile.AccStatic, "util", "()V", 0, bytecode.Op(bytecode.RETURN))
	hook := func(method string) *Descriptor {
		return &Descriptor{
			ID:      "self-" + method,
			Target:  Target{Class: "app/Target", Method: method, Desc: "()V"},
			At:      Head(),
			Handler: Handler{Name: "onFoo", Desc: "()V", Private: true},
		}
	}

	out, _, err := locateAndSplice(t, c, hook("foo"))
	require.NoError(t, err)
	m, _ := decoded(t, out, "foo", "()V")
	insns := m.Instructions()
	assert.Equal(t, []bytecode.Opcode{bytecode.ALOAD, bytecode.INVOKESPECIAL}, ops(m)[:2])
	ref, err := out.Pool.MemberRef(insns[1].Index)
	require.NoError(t, err)
	assert.Equal(t, "app/Target", ref.Owner)

	_, _, err = locateAndSplice(t, c, hook("util"))
	var incompatible *IncompatibleHandlerError
	require.ErrorAs(t, err, &incompatible)
	assert.Contains(t, incompatible.Reason, "static method")
}

func TestInvokeSelector(t *testing.T) {
	c := newClass(t, "app/Target")
	ping := methodRef(t, c, "app/Other", "ping", "()V")
	pong := methodRef(t, c, "app/Other", "pong", "()V")
	addMethod(t, c, classfile.AccStatic, "run", "()V", 0,
		bytecode.RefInsn(bytecode.INVOKESTATIC, ping),
		bytecode.RefInsn(bytecode.INVOKESTATIC, pong),
		bytecode.RefInsn(bytecode.INVOKESTATIC, ping),
		bytecode.Op(bytecode.RETURN),
	)
	tests := []struct {
		at   At
		want []int
	}{
		{Invoke("Lapp/Other;ping()V"), []int{0, 6}},
		{Invoke("ping"), []int{0, 6}},
		{Invoke("Lapp/Other;pong"), []int{3}},
		{Invoke("Lapp/Other;ping()V").Nth(1), []int{6}},
		{Invoke("Lapp/Nope;ping()V"), nil},
		{Tail(), []int{9}},
		{Offset(3), []int{3}},
		{Offset(4), nil},
	}
	for _, tt := range tests {
		t.Run(tt.at.String(), func(t *testing.T) {
			loc, err := Locate(c, []*Descriptor{staticHook("x", "run", "", tt.at, "h", "()V")})
			require.NoError(t, err)
			var got []int
			for _, p := range loc.Points {
				got = append(got, p.Offset)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want) == 0, len(loc.Warnings) == 1)
		})
	}
}

func TestSliceSelector(t *testing.T) {
	c := newClass(t, "app/Target")
	ping := methodRef(t, c, "app/Other", "ping", "()V")
	pong := methodRef(t, c, "app/Other", "pong", "()V")
	addMethod(t, c, classfile.AccStatic, "run", "()V", 0,
		bytecode.RefInsn(bytecode.INVOKESTATIC, ping),
		bytecode.RefInsn(bytecode.INVOKESTATIC, pong),
		bytecode.RefInsn(bytecode.INVOKESTATIC, ping),
		bytecode.Op(bytecode.RETURN),
	)
	at := func(a At) *At { return &a }
	tests := []struct {
		name  string
		at    At
		slice *Slice
		want  []int
	}{
		{"after pong", Invoke("ping"), &Slice{From: at(Invoke("pong"))}, []int{6}},
		{"up to pong", Invoke("ping"), &Slice{To: at(Invoke("pong"))}, []int{0}},
		{"to last match", Invoke("ping"), &Slice{To: at(Invoke("ping"))}, []int{0, 6}},
		{"head of slice", Head(), &Slice{From: at(Invoke("pong"))}, []int{3}},
		{"ordinal within slice", Invoke("ping").Nth(0), &Slice{From: at(Invoke("pong"))}, []int{6}},
		{"no return in slice", Return(), &Slice{To: at(Invoke("pong"))}, nil},
		{"whole method", Invoke("ping"), &Slice{}, []int{0, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := staticHook("x", "run", "", tt.at, "h", "()V")
			d.Slice = tt.slice
			loc, err := Locate(c, []*Descriptor{d})
			require.NoError(t, err)
			var got []int
			for _, p := range loc.Points {
				got = append(got, p.Offset)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	for _, sl := range []*Slice{
		{From: at(Invoke("nope"))},
		{From: at(Invoke("ping").Nth(1)), To: at(Invoke("pong"))},
	} {
		d := staticHook("bad", "run", "", Head(), "h", "()V")
		d.Slice = sl
		_, err := Locate(c, []*Descriptor{d})
		var invalid *InvalidSliceError
		require.ErrorAs(t, err, &invalid, "slice %s", sl)
		assert.Equal(t, "bad", invalid.ID)
		assert.Equal(t, "run()V", invalid.Method)
	}
}

func TestAllowLimit(t *testing.T) {
	c := newClass(t, "app/Target")
	ping := methodRef(t, c, "app/Other", "ping", "()V")
	addMethod(t, c, classfile.AccStatic, "run", "()V", 0,
		bytecode.RefInsn(bytecode.INVOKESTATIC, ping),
		bytecode.RefInsn(bytecode.INVOKESTATIC, ping),
		bytecode.Op(bytecode.RETURN),
	)
	d := staticHook("capped", "run", "", Invoke("ping"), "h", "()V")
	d.Allow = 1
	_, err := Locate(c, []*Descriptor{d})
	var excess *ExcessInjectionError
	require.ErrorAs(t, err, &excess)
	assert.Equal(t, "capped", excess.ID)
	assert.Equal(t, 2, excess.Found)
	assert.Equal(t, 1, excess.Allowed)

	d.Allow = 2
	loc, err := Locate(c, []*Descriptor{d})
	require.NoError(t, err)
	assert.Len(t, loc.Points, 2)
}

func TestSpliceConstructorThis(t *testing.T) {
	c := newClass(t, "app/Target")
	super := methodRef(t, c, "java/lang/Object", "<init>", "()V")
	addMethod(t, c, classfile.AccPublic, "<init>", "()V", 1,
		bytecode.VarInsn(bytecode.ALOAD, 0),
		bytecode.RefInsn(bytecode.INVOKESPECIAL, super),
		bytecode.Op(bytecode.RETURN),
	)
	d := &Descriptor{
		ID:      "ctor",
		Target:  Target{Class: "app/Target", Method: "<init>"},
		At:      Head(),
		Handler: Handler{Name: "init", Desc: "()V"},
	}
	_, _, err := locateAndSplice(t, c, d)
	var incompatible *IncompatibleHandlerError
	require.ErrorAs(t, err, &incompatible)
	assert.Contains(t, incompatible.Reason, "not initialized")

	d.At = Return()
	_, _, err = locateAndSplice(t, c, d)
	require.NoError(t, err)

	// HEAD is the first instruction, before the super constructor call
	static := staticHook("ctor-static", "<init>", "()V", Head(), "h", "()V")
	out, loc, err := locateAndSplice(t, c, static)
	require.NoError(t, err)
	require.Len(t, loc.Points, 1)
	assert.Equal(t, 0, loc.Points[0].Offset)
	m, _ := decoded(t, out, "<init>", "()V")
	assert.Equal(t, []bytecode.Opcode{bytecode.INVOKESTATIC, bytecode.ALOAD, bytecode.INVOKESPECIAL, bytecode.RETURN}, ops(m))
}

func TestSplicePrintsListing(t *testing.T) {
	c := fooClass(t)
	d := staticHook("printed", "foo", "()V", Head(), "logEntry", "()V")
	d.Print = true
	loc, err := Locate(c, []*Descriptor{d})
	require.NoError(t, err)

	var logged strings.Builder
	log := funcr.New(func(prefix, args string) { logged.WriteString(args) }, funcr.Options{})
	_, err = Splice(c, loc.Points, Options{Log: log})
	require.NoError(t, err)
	assert.Contains(t, logged.String(), "logEntry")
	assert.Contains(t, logged.String(), "printed")
}

func TestSpliceRejectsForeignPoints(t *testing.T) {
	c := fooClass(t)
	_, err := Splice(c, []Point{{Desc: staticHook("x", "foo", "()V", Head(), "h", "()V"), Class: "app/Other", Method: "foo()V"}}, Options{})
	require.Error(t, err)

	_, err = Splice(c, []Point{{Desc: staticHook("x", "nope", "()V", Head(), "h", "()V"), Class: "app/Target", Method: "nope()V"}}, Options{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidDescriptor))

	_, err = Splice(c, []Point{{Desc: staticHook("x", "foo", "()V", Head(), "h", "()V"), Class: "app/Target", Method: "foo()V", Offset: 5}}, Options{})
	var incompatible *IncompatibleHandlerError
	require.ErrorAs(t, err, &incompatible)
	assert.Contains(t, incompatible.Reason, "instruction start")
}

func TestSpliceRejectsUnassignableReference(t *testing.T) {
	c := newClass(t, "app/Target")
	addMethod(t, c, classfile.AccStatic, "greet", "(Ljava/lang/String;)V", 1, bytecode.Op(bytecode.RETURN))

	d := staticHook("boxed", "greet", "", Head(), "onGreet", "(Ljava/lang/Integer;)V")
	d.Args = []*Arg{ArgIndex(0)}
	_, _, err := locateAndSplice(t, c, d)
	var ve *verify.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "greet(Ljava/lang/String;)V", ve.Method)
	assert.Contains(t, ve.Reason, "not assignable to java/lang/Integer")
	// the failing call was synthesized and has no original offset
	assert.Equal(t, -1, ve.Offset)
}

func TestSpliceAcrossArrayMerge(t *testing.T) {
	c := newClass(t, "app/Target")
	elseL, join := bytecode.NewLabel(), bytecode.NewLabel()
	const desc = "(Z[Ljava/lang/String;[Ljava/lang/Integer;)I"
	addMethod(t, c, classfile.AccStatic, "f", desc, 4,
		bytecode.VarInsn(bytecode.ILOAD, 0),
		bytecode.JumpInsn(bytecode.IFEQ, elseL),
		bytecode.VarInsn(bytecode.ALOAD, 1),
		bytecode.JumpInsn(bytecode.GOTO, join),
		bytecode.LabelInsn(elseL),
		bytecode.VarInsn(bytecode.ALOAD, 2),
		bytecode.LabelInsn(join),
		bytecode.VarInsn(bytecode.ASTORE, 3),
		bytecode.VarInsn(bytecode.ALOAD, 3),
		bytecode.Op(bytecode.ARRAYLENGTH),
		bytecode.Op(bytecode.IRETURN),
	)

	head := staticHook("head", "f", desc, Head(), "onEntry", "(Z[Ljava/lang/String;[Ljava/lang/Integer;)V")
	ret := staticHook("ret", "f", desc, Return(), "onExit", "("+cirDesc+")V")
	out, loc, err := locateAndSplice(t, c, head, ret)
	require.NoError(t, err)
	assert.Len(t, loc.Points, 2)
	require.NoError(t, verify.Class(out, verify.Options{Methods: []string{"f" + desc}}))

	m, _ := decoded(t, out, "f", desc)
	assert.Equal(t, bytecode.INVOKESTATIC, m.Instructions()[3].Op)
}
