package inject

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
)

const (
	ciDesc  = "Lorg/spongepowered/asm/mixin/injection/callback/CallbackInfo;"
	cirDesc = "Lorg/spongepowered/asm/mixin/injection/callback/CallbackInfoReturnable;"
)

func newClass(t *testing.T, name string) *classfile.Class {
	t.Helper()
	c, err := classfile.New(name, "java/lang/Object", 52)
	require.NoError(t, err)
	return c
}

// addMethod assembles insns into c with computed max stack and stack map.
func addMethod(t *testing.T, c *classfile.Class, access uint16, name, desc string, maxLocals int, insns ...*bytecode.Insn) {
	t.Helper()
	m := &bytecode.Method{Insns: insns, MaxLocals: maxLocals}
	a := &analysis.Analyzer{Owner: c.Name(), Pool: c.Pool, Hierarchy: analysis.MapHierarchy{}}
	res, err := a.Analyze(access, name, desc, m)
	require.NoError(t, err)
	m.MaxStack = res.MaxStack
	asm, err := bytecode.Assemble(m, c.Pool)
	require.NoError(t, err)
	sm, err := analysis.StackMap(c.Pool, m, res, asm)
	require.NoError(t, err)
	if sm != nil {
		asm.Code.Attributes = append(asm.Code.Attributes, sm)
	}
	_, err = c.AddMethod(access, name, desc, asm.Code)
	require.NoError(t, err)
}

func methodRef(t *testing.T, c *classfile.Class, owner, name, desc string) uint16 {
	t.Helper()
	idx, err := c.Pool.AddMethodRef(owner, name, desc, false)
	require.NoError(t, err)
	return idx
}

func stringConst(t *testing.T, c *classfile.Class, s string) uint16 {
	t.Helper()
	idx, err := c.Pool.AddString(s)
	require.NoError(t, err)
	return idx
}

// decoded returns the instructions of a method of c.
func decoded(t *testing.T, c *classfile.Class, name, desc string) (*bytecode.Method, *classfile.Code) {
	t.Helper()
	m := c.Method(name, desc)
	require.NotNil(t, m, "method %s%s", name, desc)
	code, err := m.Code(c.Pool)
	require.NoError(t, err)
	bm, err := bytecode.Decode(code)
	require.NoError(t, err)
	return bm, code
}

func ops(m *bytecode.Method) []bytecode.Opcode {
	var out []bytecode.Opcode
	for _, i := range m.Instructions() {
		out = append(out, i.Op)
	}
	return out
}

// locateAndSplice runs Locate and Splice for descs on c.
func locateAndSplice(t *testing.T, c *classfile.Class, descs ...*Descriptor) (*classfile.Class, *Located, error) {
	t.Helper()
	loc, err := Locate(c, descs)
	if err != nil {
		return nil, nil, err
	}
	out, err := Splice(c, loc.Points, Options{})
	return out, loc, err
}

// staticHook is a descriptor calling a static app/Hooks method.
func staticHook(id, method, desc string, at At, handler, handlerDesc string) *Descriptor {
	return &Descriptor{
		ID:      id,
		Target:  Target{Class: "app/Target", Method: method, Desc: desc},
		At:      at,
		Handler: Handler{Owner: "app/Hooks", Name: handler, Desc: handlerDesc, Static: true},
	}
}

func hasAttribute(code *classfile.Code, name string) bool {
	for _, a := range code.Attributes {
		if a.Name == name {
			return true
		}
	}
	return false
}
