package classfile

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

const Magic uint32 = 0xCAFEBABE

// Access flags of classes and members.
const (
	AccPublic       uint16 = 0x0001
	AccPrivate      uint16 = 0x0002
	AccProtected    uint16 = 0x0004
	AccStatic       uint16 = 0x0008
	AccFinal        uint16 = 0x0010
	AccSynchronized uint16 = 0x0020
	AccSuper        uint16 = 0x0020
	AccVolatile     uint16 = 0x0040
	AccBridge       uint16 = 0x0040
	AccVarargs      uint16 = 0x0080
	AccTransient    uint16 = 0x0080
	AccNative       uint16 = 0x0100
	AccInterface    uint16 = 0x0200
	AccAbstract     uint16 = 0x0400
	AccStrict       uint16 = 0x0800
	AccSynthetic    uint16 = 0x1000
	AccAnnotation   uint16 = 0x2000
	AccEnum         uint16 = 0x4000
)

// Major version from which the StackMapTable attribute is used for verification.
const VersionStackMaps uint16 = 50

// Class is a parsed class file.
type Class struct {
	Minor, Major uint16
	Pool         *ConstantPool
	Access       uint16
	ThisClass    uint16
	SuperClass   uint16 // 0 for java/lang/Object and module-info
	Interfaces   []uint16
	Fields       []*Member
	Methods      []*Member
	Attributes   []*Attribute

	// Hash is the xxh3 hash of the bytes this class was parsed from
	// or last serialized to.
	Hash uint64

	name string
}

// Member is a field or method.
type Member struct {
	Access     uint16
	NameIndex  uint16
	DescIndex  uint16
	Name       string
	Descriptor string
	Attributes []*Attribute
}

// Attribute is an attribute kept as its raw info bytes.
type Attribute struct {
	NameIndex uint16
	Name      string
	Info      []byte
}

// Key returns name+descriptor, which identifies a member within its class.
func (m *Member) Key() string { return m.Name + m.Descriptor }

func (m *Member) IsStatic() bool { return m.Access&AccStatic != 0 }

// Attribute returns the first attribute named name.
func (m *Member) Attribute(name string) *Attribute {
	return findAttribute(m.Attributes, name)
}

func findAttribute(attrs []*Attribute, name string) *Attribute {
	for _, a := range attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Name returns the internal name of the class, e.g. "com/example/Foo".
func (c *Class) Name() string {
	if c.name == "" {
		c.name, _ = c.Pool.ClassName(c.ThisClass)
	}
	return c.name
}

// SuperName returns the internal name of the super class, or "" if there is none.
func (c *Class) SuperName() string {
	if c.SuperClass == 0 {
		return ""
	}
	s, _ := c.Pool.ClassName(c.SuperClass)
	return s
}

// InterfaceNames returns the internal names of the directly implemented interfaces.
func (c *Class) InterfaceNames() []string {
	names := make([]string, 0, len(c.Interfaces))
	for _, i := range c.Interfaces {
		if s, err := c.Pool.ClassName(i); err == nil {
			names = append(names, s)
		}
	}
	return names
}

func (c *Class) IsInterface() bool { return c.Access&AccInterface != 0 }

// Method returns the method with the given name and descriptor.
func (c *Class) Method(name, desc string) *Member {
	for _, m := range c.Methods {
		if m.Name == name && m.Descriptor == desc {
			return m
		}
	}
	return nil
}

// Attribute returns the first class attribute named name.
func (c *Class) Attribute(name string) *Attribute {
	return findAttribute(c.Attributes, name)
}

// Clone returns a deep copy of the class. Edits to the copy never affect c.
func (c *Class) Clone() *Class {
	cp := *c
	cp.Pool = c.Pool.Clone()
	cp.Interfaces = append([]uint16(nil), c.Interfaces...)
	cp.Fields = cloneMembers(c.Fields)
	cp.Methods = cloneMembers(c.Methods)
	cp.Attributes = cloneAttributes(c.Attributes)
	return &cp
}

func cloneMembers(ms []*Member) []*Member {
	out := make([]*Member, len(ms))
	for i, m := range ms {
		cm := *m
		cm.Attributes = cloneAttributes(m.Attributes)
		out[i] = &cm
	}
	return out
}

func cloneAttributes(as []*Attribute) []*Attribute {
	out := make([]*Attribute, len(as))
	for i, a := range as {
		out[i] = &Attribute{NameIndex: a.NameIndex, Name: a.Name, Info: append([]byte(nil), a.Info...)}
	}
	return out
}

// Parse reads a class file. Any structural problem yields a *MalformedClassError.
func Parse(b []byte) (*Class, error) {
	c, err := parse(bytes.NewReader(b))
	if err != nil {
		if m, ok := err.(*MalformedClassError); ok && c != nil {
			m.Class = c.Name()
		}
		return nil, err
	}
	c.Hash = xxh3.Hash(b)
	return c, nil
}

func parse(r *bytes.Reader) (c *Class, err error) {
	magic, err := ReadUint32(r)
	if err != nil {
		return nil, malformed(0, readEOF(err), "reading magic")
	}
	if magic != Magic {
		return nil, malformed(0, nil, "bad magic 0x%08X", magic)
	}
	c = &Class{}
	if c.Minor, err = ReadUint16(r); err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading version")
	}
	if c.Major, err = ReadUint16(r); err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading version")
	}
	if c.Pool, err = readConstantPool(r); err != nil {
		return nil, err
	}

	var header [3]uint16
	for i := range header {
		if header[i], err = ReadUint16(r); err != nil {
			return nil, malformed(offsetOf(r), readEOF(err), "reading class header")
		}
	}
	c.Access, c.ThisClass, c.SuperClass = header[0], header[1], header[2]
	if _, err = c.Pool.ClassName(c.ThisClass); err != nil {
		return nil, malformed(offsetOf(r)-4, err, "bad this_class")
	}
	if c.SuperClass != 0 {
		if _, err = c.Pool.ClassName(c.SuperClass); err != nil {
			return c, malformed(offsetOf(r)-2, err, "bad super_class")
		}
	}

	n, err := ReadUint16(r)
	if err != nil {
		return c, malformed(offsetOf(r), readEOF(err), "reading interfaces count")
	}
	c.Interfaces = make([]uint16, n)
	for i := range c.Interfaces {
		if c.Interfaces[i], err = ReadUint16(r); err != nil {
			return c, malformed(offsetOf(r), readEOF(err), "reading interface #%d", i)
		}
		if _, err = c.Pool.ClassName(c.Interfaces[i]); err != nil {
			return c, malformed(offsetOf(r)-2, err, "bad interface #%d", i)
		}
	}

	if c.Fields, err = readMembers(r, c.Pool, "field"); err != nil {
		return c, err
	}
	if c.Methods, err = readMembers(r, c.Pool, "method"); err != nil {
		return c, err
	}
	if c.Attributes, err = readAttributes(r, c.Pool); err != nil {
		return c, err
	}
	if r.Len() != 0 {
		return c, malformed(offsetOf(r), nil, "%d trailing bytes after class", r.Len())
	}
	return c, nil
}

func readMembers(r *bytes.Reader, pool *ConstantPool, kind string) ([]*Member, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading %s count", kind)
	}
	ms := make([]*Member, n)
	for i := range ms {
		off := offsetOf(r)
		m := &Member{}
		if m.Access, err = ReadUint16(r); err == nil {
			if m.NameIndex, err = ReadUint16(r); err == nil {
				m.DescIndex, err = ReadUint16(r)
			}
		}
		if err != nil {
			return nil, malformed(off, readEOF(err), "reading %s #%d", kind, i)
		}
		if m.Name, err = pool.UTF8(m.NameIndex); err != nil {
			return nil, malformed(off+2, err, "bad %s #%d name", kind, i)
		}
		if m.Descriptor, err = pool.UTF8(m.DescIndex); err != nil {
			return nil, malformed(off+4, err, "bad %s #%d descriptor", kind, i)
		}
		if m.Attributes, err = readAttributes(r, pool); err != nil {
			return nil, err
		}
		ms[i] = m
	}
	return ms, nil
}

func readAttributes(r *bytes.Reader, pool *ConstantPool) ([]*Attribute, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading attributes count")
	}
	as := make([]*Attribute, n)
	for i := range as {
		off := offsetOf(r)
		a := &Attribute{}
		if a.NameIndex, err = ReadUint16(r); err != nil {
			return nil, malformed(off, readEOF(err), "reading attribute")
		}
		if a.Name, err = pool.UTF8(a.NameIndex); err != nil {
			return nil, malformed(off, err, "bad attribute name")
		}
		length, err := ReadUint32(r)
		if err != nil {
			return nil, malformed(off+2, readEOF(err), "reading attribute %s length", a.Name)
		}
		if int64(length) > int64(r.Len()) {
			return nil, malformed(off+2, io.ErrUnexpectedEOF, "attribute %s length %d exceeds remaining %d bytes", a.Name, length, r.Len())
		}
		if a.Info, err = ReadBytesLen(r, int(length)); err != nil {
			return nil, malformed(off+6, readEOF(err), "reading attribute %s", a.Name)
		}
		as[i] = a
	}
	return as, nil
}

// Serialize encodes the class and updates Hash.
func (c *Class) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.write(&buf); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", c.Name(), err)
	}
	b := buf.Bytes()
	c.Hash = xxh3.Hash(b)
	return b, nil
}

func (c *Class) write(w *bytes.Buffer) error {
	_ = WriteUint32(w, Magic)
	_ = WriteUint16(w, c.Minor)
	_ = WriteUint16(w, c.Major)
	if err := c.Pool.write(w); err != nil {
		return err
	}
	_ = WriteUint16(w, c.Access)
	_ = WriteUint16(w, c.ThisClass)
	_ = WriteUint16(w, c.SuperClass)
	if err := writeCount(w, len(c.Interfaces), "interfaces"); err != nil {
		return err
	}
	for _, i := range c.Interfaces {
		_ = WriteUint16(w, i)
	}
	for _, ms := range [][]*Member{c.Fields, c.Methods} {
		if err := writeCount(w, len(ms), "members"); err != nil {
			return err
		}
		for _, m := range ms {
			_ = WriteUint16(w, m.Access)
			_ = WriteUint16(w, m.NameIndex)
			_ = WriteUint16(w, m.DescIndex)
			if err := writeAttributes(w, m.Attributes); err != nil {
				return err
			}
		}
	}
	return writeAttributes(w, c.Attributes)
}

func writeCount(w io.Writer, n int, what string) error {
	if n > 0xFFFF {
		return fmt.Errorf("too many %s (%d)", what, n)
	}
	return WriteUint16(w, uint16(n))
}

func writeAttributes(w io.Writer, as []*Attribute) error {
	if err := writeCount(w, len(as), "attributes"); err != nil {
		return err
	}
	for _, a := range as {
		if uint64(len(a.Info)) > 0xFFFFFFFF {
			return fmt.Errorf("attribute %s too long", a.Name)
		}
		if err := WriteUint16(w, a.NameIndex); err != nil {
			return err
		}
		if err := WriteUint32(w, uint32(len(a.Info))); err != nil {
			return err
		}
		if _, err := w.Write(a.Info); err != nil {
			return err
		}
	}
	return nil
}

// NewAttribute creates an attribute whose name is interned in pool.
func NewAttribute(pool *ConstantPool, name string, info []byte) (*Attribute, error) {
	i, err := pool.AddUTF8(name)
	if err != nil {
		return nil, err
	}
	return &Attribute{NameIndex: i, Name: name, Info: info}, nil
}

// SetAttribute replaces the first attribute with the same name in attrs, or appends a.
func SetAttribute(attrs []*Attribute, a *Attribute) []*Attribute {
	for i, e := range attrs {
		if e.Name == a.Name {
			attrs[i] = a
			return attrs
		}
	}
	return append(attrs, a)
}

// RemoveAttribute drops all attributes with the given name.
func RemoveAttribute(attrs []*Attribute, name string) []*Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Name != name {
			out = append(out, a)
		}
	}
	return out
}
