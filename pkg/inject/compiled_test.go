package inject

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/verify"
)

func greeter(t *testing.T) *classfile.Class {
	t.Helper()
	c, err := classfile.Parse(greeterBytes(t))
	require.NoError(t, err)
	return c
}

func TestSpliceCompilerOutput(t *testing.T) {
	c := greeter(t)
	require.NoError(t, verify.Class(c, verify.Options{}))

	const (
		greet     = "(I)Ljava/lang/String;"
		appendStr = "Ljava/lang/StringBuilder;append(Ljava/lang/String;)Ljava/lang/StringBuilder;"
	)
	hook := func(id, method, desc string, at At, handlerDesc string) *Descriptor {
		d := staticHook(id, method, desc, at, id, handlerDesc)
		d.Target.Class = "app/Greeter"
		return d
	}
	descs := []*Descriptor{
		hook("head", "greet", greet, Head(), "(I)V"),
		hook("ret", "greet", greet, Return(), "("+cirDesc+")V"),
		hook("append", "greet", greet, Invoke(appendStr), "()V"),
		hook("tail", "score", "(I)I", Tail(), "(I)V"),
		hook("init", "<init>", "", Return(), "()V"),
	}
	loc, err := Locate(c, descs)
	require.NoError(t, err)
	assert.Empty(t, loc.Warnings)
	count := map[string]int{}
	for _, p := range loc.Points {
		count[p.Desc.ID]++
	}
	assert.Equal(t, map[string]int{"head": 1, "ret": 1, "append": 5, "tail": 1, "init": 1}, count)

	out, err := Splice(c, loc.Points, Options{})
	require.NoError(t, err)
	require.NoError(t, verify.Class(out, verify.Options{}))

	b, err := out.Serialize()
	require.NoError(t, err)
	again, err := classfile.Parse(b)
	require.NoError(t, err)
	require.NoError(t, verify.Class(again, verify.Options{}))

	m, code := decoded(t, again, "greet", greet)
	assert.True(t, hasAttribute(code, "LineNumberTable"))
	assert.True(t, hasAttribute(code, "StackMapTable"))
	calls := map[string]int{}
	for _, insn := range m.Instructions() {
		if insn.Op != bytecode.INVOKESTATIC {
			continue
		}
		ref, err := again.Pool.MemberRef(insn.Index)
		require.NoError(t, err)
		calls[ref.Name]++
	}
	assert.Equal(t, map[string]int{"head": 1, "ret": 1, "append": 5}, calls)

	// the original is untouched
	orig, err := c.Serialize()
	require.NoError(t, err)
	assert.Equal(t, greeterBytes(t), orig)
}

// greeterBytes reads the compiled form of classfile/testdata/Greeter.java.
func greeterBytes(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("..", "classfile", "testdata", "Greeter.class"))
	require.NoError(t, err)
	return b
}
