package classfile

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleClass builds a small class touching most constant kinds.
func sampleClass(t testing.TB) []byte {
	t.Helper()
	c, err := New("com/example/Foo", "java/lang/Object", 52)
	require.NoError(t, err)
	p := c.Pool
	_, err = p.AddString("héllo \x00 wörld 😀")
	require.NoError(t, err)
	_, err = p.AddInt(-42)
	require.NoError(t, err)
	_, err = p.add(&Constant{Tag: TagLong, Bits: 1 << 40})
	require.NoError(t, err)
	_, err = p.add(&Constant{Tag: TagDouble, Bits: 0x400921FB54442D18})
	require.NoError(t, err)
	_, err = p.AddMethodRef("java/util/List", "size", "()I", true)
	require.NoError(t, err)
	_, err = p.AddFieldRef("com/example/Foo", "x", "I")
	require.NoError(t, err)
	iface, err := p.AddClass("java/lang/Runnable")
	require.NoError(t, err)
	c.Interfaces = append(c.Interfaces, iface)

	_, err = c.AddField(AccPrivate, "x", "I")
	require.NoError(t, err)
	_, err = c.AddMethod(AccPublic, "run", "()V", &Code{
		MaxStack:  0,
		MaxLocals: 1,
		Bytecode:  []byte{0xb1}, // return
	})
	require.NoError(t, err)
	_, err = c.AddMethod(AccPublic|AccAbstract, "abs", "()I", nil)
	require.NoError(t, err)
	src, err := NewAttribute(p, "SourceFile", []byte{0, 1})
	require.NoError(t, err)
	c.Attributes = append(c.Attributes, src)

	b, err := c.Serialize()
	require.NoError(t, err)
	return b
}

func TestParseSerializeRoundTrip(t *testing.T) {
	b := sampleClass(t)

	c, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "com/example/Foo", c.Name())
	assert.Equal(t, "java/lang/Object", c.SuperName())
	assert.Equal(t, []string{"java/lang/Runnable"}, c.InterfaceNames())
	assert.Equal(t, uint16(52), c.Major)
	require.Len(t, c.Methods, 2)
	require.NotNil(t, c.Method("run", "()V"))
	assert.Nil(t, c.Method("run", "()I"))

	out, err := c.Serialize()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, out), "round trip must be byte-identical")

	c2, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, c.Hash, c2.Hash)
}

// greeterClass reads testdata/Greeter.class, the compiled form of
// testdata/Greeter.java.
func greeterClass(t testing.TB) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", "Greeter.class"))
	require.NoError(t, err)
	return b
}

func TestParseCompilerOutput(t *testing.T) {
	b := greeterClass(t)
	c, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "app/Greeter", c.Name())
	assert.Equal(t, "java/lang/Object", c.SuperName())
	assert.Len(t, c.Fields, 3)
	require.Len(t, c.Methods, 3)

	out, err := c.Serialize()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, out), "round trip must be byte-identical")

	// long and double constants take two slots
	seven, err := c.Pool.Get(11)
	require.NoError(t, err)
	assert.Equal(t, Constant{Tag: TagLong, Bits: 7}, *seven)
	_, err = c.Pool.Get(12)
	assert.Error(t, err)
	ratio, err := c.Pool.Get(14)
	require.NoError(t, err)
	assert.Equal(t, TagDouble, ratio.Tag)
	assert.Equal(t, 1.5, math.Float64frombits(ratio.Bits))
	assert.NotNil(t, c.Fields[0].Attribute("ConstantValue"))
	assert.NotNil(t, c.Attribute("SourceFile"))

	for _, m := range c.Methods {
		code, err := m.Code(c.Pool)
		require.NoError(t, err, m.Key())
		require.NotNil(t, code, m.Key())
		assert.NotNil(t, findAttribute(code.Attributes, "LineNumberTable"), m.Key())
		info, err := code.Encode()
		require.NoError(t, err)
		assert.Equal(t, m.Attribute("Code").Info, info, m.Key())
	}
	for _, key := range [][2]string{{"greet", "(I)Ljava/lang/String;"}, {"score", "(I)I"}} {
		code, err := c.Method(key[0], key[1]).Code(c.Pool)
		require.NoError(t, err)
		assert.NotNil(t, findAttribute(code.Attributes, "StackMapTable"), key[0])
	}
	score, err := c.Method("score", "(I)I").Code(c.Pool)
	require.NoError(t, err)
	assert.Contains(t, string(score.Bytecode), "\xc4\x84", "wide iinc")
}

func TestCloneIsIndependent(t *testing.T) {
	c, err := Parse(sampleClass(t))
	require.NoError(t, err)
	orig, err := c.Serialize()
	require.NoError(t, err)

	cp := c.Clone()
	_, err = cp.Pool.AddUTF8("only in the clone")
	require.NoError(t, err)
	cp.Methods[0].Attributes[0].Info[len(cp.Methods[0].Attributes[0].Info)-1] = 0xFF
	cp.Methods = cp.Methods[:1]

	again, err := c.Serialize()
	require.NoError(t, err)
	assert.Equal(t, orig, again)
}

func TestCodeRoundTrip(t *testing.T) {
	c, err := Parse(sampleClass(t))
	require.NoError(t, err)

	m := c.Method("run", "()V")
	code, err := m.Code(c.Pool)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, []byte{0xb1}, code.Bytecode)
	assert.Equal(t, uint16(1), code.MaxLocals)

	info, err := code.Encode()
	require.NoError(t, err)
	assert.Equal(t, m.Attribute("Code").Info, info)

	abs, err := c.Method("abs", "()I").Code(c.Pool)
	require.NoError(t, err)
	assert.Nil(t, abs)
}

func TestParseMalformed(t *testing.T) {
	good := sampleClass(t)

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte{0xCA, 0xFE, 0xBA, 0xBF}, good[4:]...)},
		{"truncated header", good[:9]},
		{"truncated body", good[:len(good)-3]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
		{"zero pool count", append(append([]byte(nil), good[:8]...), 0, 0)},
		{"unknown tag", append(append([]byte(nil), good[:8]...), 0, 2, 99)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.b)
			require.Error(t, err)
			var me *MalformedClassError
			require.True(t, errors.As(err, &me), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), "malformed class")
		})
	}

	t.Run("truncation reports unexpected EOF", func(t *testing.T) {
		_, err := Parse(good[:len(good)-1])
		require.Error(t, err)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestParseCodeMalformed(t *testing.T) {
	pool := NewConstantPool()
	tests := []struct {
		name string
		info []byte
	}{
		{"short header", []byte{0, 1}},
		{"zero length", []byte{0, 1, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"length exceeds info", []byte{0, 1, 0, 1, 0, 0, 0, 9, 0xb1}},
		{"handler out of range", []byte{0, 1, 0, 1, 0, 0, 0, 1, 0xb1, 0, 1, 0, 0, 0, 1, 0, 5, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCode(pool, tt.info)
			var me *MalformedClassError
			require.ErrorAs(t, err, &me)
		})
	}
}

func TestConstantPoolDedup(t *testing.T) {
	p := NewConstantPool()
	a, err := p.AddMethodRef("a/B", "c", "()V", false)
	require.NoError(t, err)
	b, err := p.AddMethodRef("a/B", "c", "()V", false)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	i, err := p.AddMethodRef("a/B", "c", "()V", true)
	require.NoError(t, err)
	assert.NotEqual(t, a, i)

	ref, err := p.MemberRef(i)
	require.NoError(t, err)
	assert.Equal(t, MemberRef{Owner: "a/B", Name: "c", Descriptor: "()V", Interface: true}, ref)

	_, err = p.ClassName(a)
	assert.Error(t, err, "Methodref is not a Class")
	_, err = p.Get(0)
	assert.Error(t, err)
}

func TestConstantPoolWideSlots(t *testing.T) {
	p := NewConstantPool()
	l, err := p.add(&Constant{Tag: TagLong, Bits: 7})
	require.NoError(t, err)
	next, err := p.AddInt(1)
	require.NoError(t, err)
	assert.Equal(t, l+2, next)
	_, err = p.Get(l + 1)
	assert.Error(t, err, "second slot of a long is unusable")
}

func TestModifiedUTF8(t *testing.T) {
	for _, s := range []string{"", "plain", "nul\x00byte", "ünïcödé", "emoji 😀 pair"} {
		enc := EncodeModifiedUTF8(s)
		assert.NotContains(t, enc, byte(0))
		dec, err := DecodeModifiedUTF8(enc)
		require.NoError(t, err)
		assert.Equal(t, s, dec)
	}
	// Supplementary characters are stored as two 3-byte surrogates.
	assert.Len(t, EncodeModifiedUTF8("😀"), 6)

	_, err := DecodeModifiedUTF8([]byte{'a', 0})
	assert.Error(t, err)
	_, err = DecodeModifiedUTF8([]byte{0xC3})
	assert.Error(t, err)
}
