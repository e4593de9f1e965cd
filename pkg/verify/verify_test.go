package verify_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/inject"
	"github.com/cbyrne/betterinject/pkg/verify"
)

// addMethod assembles insns with a computed max stack and, when frames is
// set, a stack map.
func addMethod(t *testing.T, c *classfile.Class, access uint16, name, desc string, maxLocals int, frames bool, insns ...*bytecode.Insn) {
	t.Helper()
	m := &bytecode.Method{Insns: insns, MaxLocals: maxLocals}
	a := &analysis.Analyzer{Owner: c.Name(), Pool: c.Pool, Hierarchy: analysis.MapHierarchy{}}
	res, err := a.Analyze(access, name, desc, m)
	require.NoError(t, err)
	m.MaxStack = res.MaxStack
	asm, err := bytecode.Assemble(m, c.Pool)
	require.NoError(t, err)
	if frames {
		sm, err := analysis.StackMap(c.Pool, m, res, asm)
		require.NoError(t, err)
		if sm != nil {
			asm.Code.Attributes = append(asm.Code.Attributes, sm)
		}
	}
	_, err = c.AddMethod(access, name, desc, asm.Code)
	require.NoError(t, err)
}

// setCode replaces the raw code of a method, bypassing any checks.
func setCode(t *testing.T, c *classfile.Class, name, desc string, edit func(code *classfile.Code)) {
	t.Helper()
	m := c.Method(name, desc)
	code, err := m.Code(c.Pool)
	require.NoError(t, err)
	edit(code)
	require.NoError(t, m.SetCode(c.Pool, code))
}

// branchy is: static int abs(int x) { return x < 0 ? -x : x; }
func branchy(t *testing.T, major uint16, frames bool) *classfile.Class {
	c, err := classfile.New("app/Target", "java/lang/Object", major)
	require.NoError(t, err)
	neg := bytecode.NewLabel()
	addMethod(t, c, classfile.AccStatic, "abs", "(I)I", 1, frames,
		bytecode.VarInsn(bytecode.ILOAD, 0),
		bytecode.JumpInsn(bytecode.IFLT, neg),
		bytecode.VarInsn(bytecode.ILOAD, 0),
		bytecode.Op(bytecode.IRETURN),
		bytecode.LabelInsn(neg),
		bytecode.VarInsn(bytecode.ILOAD, 0),
		bytecode.Op(bytecode.INEG),
		bytecode.Op(bytecode.IRETURN),
	)
	addMethod(t, c, classfile.AccPublic, "name", "()Ljava/lang/String;", 1, frames,
		bytecode.Op(bytecode.ACONST_NULL),
		bytecode.Op(bytecode.ARETURN),
	)
	return c
}

func TestVerifyRewrittenClass(t *testing.T) {
	c := branchy(t, 52, true)
	require.NoError(t, verify.Class(c, verify.Options{}))

	descs := []*inject.Descriptor{
		{
			ID:      "enter",
			Target:  inject.Target{Class: "app/Target", Method: "abs"},
			At:      inject.Head(),
			Handler: inject.Handler{Owner: "app/Hooks", Name: "enter", Desc: "(I)V", Static: true},
		},
		{
			ID:          "exit",
			Target:      inject.Target{Class: "app/Target", Method: "abs"},
			At:          inject.Return(),
			Handler:     inject.Handler{Owner: "app/Hooks", Name: "exit", Desc: "(Lorg/spongepowered/asm/mixin/injection/callback/CallbackInfoReturnable;)V", Static: true},
			Cancellable: true,
		},
		{
			ID:      "named",
			Target:  inject.Target{Class: "app/Target", Method: "name", Desc: "()Ljava/lang/String;"},
			At:      inject.Tail(),
			Handler: inject.Handler{Name: "onName", Desc: "()V"},
		},
	}
	loc, err := inject.Locate(c, descs)
	require.NoError(t, err)
	require.Len(t, loc.Points, 4)
	out, err := inject.Splice(c, loc.Points, inject.Options{})
	require.NoError(t, err)
	require.NoError(t, verify.Class(out, verify.Options{}))

	b, err := out.Serialize()
	require.NoError(t, err)
	again, err := classfile.Parse(b)
	require.NoError(t, err)
	assert.NoError(t, verify.Class(again, verify.Options{}))
}

func TestVerifyCorruptedStackDepth(t *testing.T) {
	c := branchy(t, 52, true)
	setCode(t, c, "abs", "(I)I", func(code *classfile.Code) { code.MaxStack = 0 })

	err := verify.Class(c, verify.Options{})
	var ve *verify.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "abs(I)I", ve.Method)
	assert.Contains(t, ve.Reason, "max_stack is 0")
	assert.Equal(t, 0, ve.Offset)

	// only the corrupted method fails
	assert.Len(t, multierr.Errors(err), 1)
	assert.NoError(t, verify.Class(c, verify.Options{Methods: []string{"name()Ljava/lang/String;"}}))
}

func TestVerifyMutations(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		reason string
	}{
		{"underflow", []byte{byte(bytecode.POP), byte(bytecode.ICONST_0), byte(bytecode.IRETURN)}, "cannot pop"},
		{"extra push", []byte{byte(bytecode.ICONST_0), byte(bytecode.ICONST_0), byte(bytecode.ICONST_0), byte(bytecode.IRETURN)}, "max_stack"},
		{"unset local", []byte{byte(bytecode.ILOAD), 1, byte(bytecode.IRETURN)}, "unset local 1"},
		{"wrong return", []byte{byte(bytecode.ILOAD_0), byte(bytecode.LRETURN)}, "return"},
		{"falls off", []byte{byte(bytecode.ILOAD_0), byte(bytecode.POP)}, "falls off"},
		{"branch into operand", []byte{byte(bytecode.GOTO), 0, 1, byte(bytecode.ILOAD_0), byte(bytecode.IRETURN)}, "not an instruction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := branchy(t, 49, false)
			setCode(t, c, "abs", "(I)I", func(code *classfile.Code) {
				code.Bytecode = tt.code
				code.MaxStack = 2
				code.MaxLocals = 2
			})
			err := verify.Method(c, c.Method("abs", "(I)I"), verify.Options{})
			var ve *verify.VerificationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.reason)
		})
	}
}

func TestVerifyStackMapFrames(t *testing.T) {
	// class files before version 50 carry no stack maps
	require.NoError(t, verify.Class(branchy(t, 49, false), verify.Options{}))

	err := verify.Class(branchy(t, 52, false), verify.Options{})
	var ve *verify.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "no stack map frame")
	assert.Equal(t, 6, ve.Offset)
}

func TestVerifyAbstractMethods(t *testing.T) {
	c, err := classfile.New("app/Shape", "java/lang/Object", 52)
	require.NoError(t, err)
	_, err = c.AddMethod(classfile.AccPublic|classfile.AccAbstract, "area", "()D", nil)
	require.NoError(t, err)
	require.NoError(t, verify.Class(c, verify.Options{}))

	_, err = c.AddMethod(classfile.AccPublic, "perimeter", "()D", nil)
	require.NoError(t, err)
	err = verify.Class(c, verify.Options{})
	var ve *verify.VerificationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "perimeter()D", ve.Method)
	assert.Equal(t, -1, ve.Offset)
}
