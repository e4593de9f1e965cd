package classfile

import (
	"bytes"
	"fmt"
	"io"
	"math"
)

// Tag identifies the kind of a constant pool entry.
type Tag uint8

const (
	TagUTF8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

var tagNames = map[Tag]string{
	TagUTF8:               "Utf8",
	TagInteger:            "Integer",
	TagFloat:              "Float",
	TagLong:               "Long",
	TagDouble:             "Double",
	TagClass:              "Class",
	TagString:             "String",
	TagFieldref:           "Fieldref",
	TagMethodref:          "Methodref",
	TagInterfaceMethodref: "InterfaceMethodref",
	TagNameAndType:        "NameAndType",
	TagMethodHandle:       "MethodHandle",
	TagMethodType:         "MethodType",
	TagDynamic:            "Dynamic",
	TagInvokeDynamic:      "InvokeDynamic",
	TagModule:             "Module",
	TagPackage:            "Package",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Wide reports whether the constant occupies two pool slots.
func (t Tag) Wide() bool { return t == TagLong || t == TagDouble }

// Constant is a single constant pool entry.
type Constant struct {
	Tag Tag
	// Bytes is the modified UTF-8 payload of a TagUTF8 constant.
	Bytes []byte
	// Bits is the raw value of TagInteger, TagFloat, TagLong and TagDouble.
	Bits uint64
	// A and B are the index operands of reference constants
	// (e.g. class and name-and-type of a Methodref).
	// For TagMethodHandle, A is the reference kind.
	A, B uint16
}

type constantKey struct {
	tag  Tag
	s    string
	bits uint64
	a, b uint16
}

func (c *Constant) key() constantKey {
	return constantKey{tag: c.Tag, s: string(c.Bytes), bits: c.Bits, a: c.A, b: c.B}
}

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Owner      string
	Name       string
	Descriptor string
	Interface  bool
}

func (r MemberRef) String() string {
	return r.Owner + "." + r.Name + r.Descriptor
}

// ConstantPool is the constant pool of a class.
// Entries are 1-indexed; the slot following a long or double entry is nil.
type ConstantPool struct {
	entries []*Constant // entries[0] is always nil
	lookup  map[constantKey]uint16
}

// NewConstantPool returns an empty constant pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: []*Constant{nil}}
}

// Count is the constant_pool_count as written in the class file.
func (p *ConstantPool) Count() int { return len(p.entries) }

// Get returns the constant at index i.
func (p *ConstantPool) Get(i uint16) (*Constant, error) {
	if int(i) <= 0 || int(i) >= len(p.entries) || p.entries[i] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", i)
	}
	return p.entries[i], nil
}

func (p *ConstantPool) expect(i uint16, tags ...Tag) (*Constant, error) {
	c, err := p.Get(i)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if c.Tag == t {
			return c, nil
		}
	}
	return nil, fmt.Errorf("constant pool index %d is %s, want %v", i, c.Tag, tags)
}

// UTF8 returns the string of the TagUTF8 constant at i.
func (p *ConstantPool) UTF8(i uint16) (string, error) {
	c, err := p.expect(i, TagUTF8)
	if err != nil {
		return "", err
	}
	return DecodeModifiedUTF8(c.Bytes)
}

// ClassName returns the internal name (or array descriptor) of the TagClass constant at i.
func (p *ConstantPool) ClassName(i uint16) (string, error) {
	c, err := p.expect(i, TagClass)
	if err != nil {
		return "", err
	}
	return p.UTF8(c.A)
}

// StringValue returns the value of the TagString constant at i.
func (p *ConstantPool) StringValue(i uint16) (string, error) {
	c, err := p.expect(i, TagString)
	if err != nil {
		return "", err
	}
	return p.UTF8(c.A)
}

// NameAndType resolves the TagNameAndType constant at i.
func (p *ConstantPool) NameAndType(i uint16) (name, desc string, err error) {
	c, err := p.expect(i, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = p.UTF8(c.A); err != nil {
		return "", "", err
	}
	desc, err = p.UTF8(c.B)
	return
}

// MemberRef resolves a Fieldref, Methodref or InterfaceMethodref constant.
func (p *ConstantPool) MemberRef(i uint16) (MemberRef, error) {
	c, err := p.expect(i, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return MemberRef{}, err
	}
	owner, err := p.ClassName(c.A)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := p.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Owner: owner, Name: name, Descriptor: desc, Interface: c.Tag == TagInterfaceMethodref}, nil
}

// Dynamic resolves the name and descriptor of a TagDynamic or TagInvokeDynamic constant.
func (p *ConstantPool) Dynamic(i uint16) (name, desc string, err error) {
	c, err := p.expect(i, TagDynamic, TagInvokeDynamic)
	if err != nil {
		return "", "", err
	}
	return p.NameAndType(c.B)
}

// Int returns the value of a TagInteger constant.
func (p *ConstantPool) Int(i uint16) (int32, error) {
	c, err := p.expect(i, TagInteger)
	if err != nil {
		return 0, err
	}
	return int32(uint32(c.Bits)), nil
}

// add appends c unless an equal constant exists and returns its index.
func (p *ConstantPool) add(c *Constant) (uint16, error) {
	if p.lookup == nil {
		p.lookup = make(map[constantKey]uint16, len(p.entries))
		for i, e := range p.entries {
			if e == nil {
				continue
			}
			if _, ok := p.lookup[e.key()]; !ok {
				p.lookup[e.key()] = uint16(i)
			}
		}
	}
	k := c.key()
	if i, ok := p.lookup[k]; ok {
		return i, nil
	}
	slots := 1
	if c.Tag.Wide() {
		slots = 2
	}
	if len(p.entries)+slots > math.MaxUint16 {
		return 0, ErrPoolFull
	}
	i := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if slots == 2 {
		p.entries = append(p.entries, nil)
	}
	p.lookup[k] = i
	return i, nil
}

// AddUTF8 returns the index of a TagUTF8 constant for s, adding it if needed.
func (p *ConstantPool) AddUTF8(s string) (uint16, error) {
	return p.add(&Constant{Tag: TagUTF8, Bytes: EncodeModifiedUTF8(s)})
}

func (p *ConstantPool) addIndirect(tag Tag, s string) (uint16, error) {
	u, err := p.AddUTF8(s)
	if err != nil {
		return 0, err
	}
	return p.add(&Constant{Tag: tag, A: u})
}

// AddClass returns the index of a TagClass constant for an internal name or array descriptor.
func (p *ConstantPool) AddClass(name string) (uint16, error) {
	return p.addIndirect(TagClass, name)
}

// AddString returns the index of a TagString constant.
func (p *ConstantPool) AddString(s string) (uint16, error) {
	return p.addIndirect(TagString, s)
}

// AddInt returns the index of a TagInteger constant.
func (p *ConstantPool) AddInt(v int32) (uint16, error) {
	return p.add(&Constant{Tag: TagInteger, Bits: uint64(uint32(v))})
}

// AddNameAndType returns the index of a TagNameAndType constant.
func (p *ConstantPool) AddNameAndType(name, desc string) (uint16, error) {
	n, err := p.AddUTF8(name)
	if err != nil {
		return 0, err
	}
	d, err := p.AddUTF8(desc)
	if err != nil {
		return 0, err
	}
	return p.add(&Constant{Tag: TagNameAndType, A: n, B: d})
}

func (p *ConstantPool) addRef(tag Tag, owner, name, desc string) (uint16, error) {
	c, err := p.AddClass(owner)
	if err != nil {
		return 0, err
	}
	nt, err := p.AddNameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(&Constant{Tag: tag, A: c, B: nt})
}

// AddFieldRef returns the index of a TagFieldref constant.
func (p *ConstantPool) AddFieldRef(owner, name, desc string) (uint16, error) {
	return p.addRef(TagFieldref, owner, name, desc)
}

// AddMethodRef returns the index of a TagMethodref or, if itf is set,
// TagInterfaceMethodref constant.
func (p *ConstantPool) AddMethodRef(owner, name, desc string, itf bool) (uint16, error) {
	if itf {
		return p.addRef(TagInterfaceMethodref, owner, name, desc)
	}
	return p.addRef(TagMethodref, owner, name, desc)
}

// Clone returns a deep copy of the pool.
func (p *ConstantPool) Clone() *ConstantPool {
	cp := &ConstantPool{entries: make([]*Constant, len(p.entries))}
	for i, e := range p.entries {
		if e == nil {
			continue
		}
		c := *e
		if e.Bytes != nil {
			c.Bytes = append([]byte(nil), e.Bytes...)
		}
		cp.entries[i] = &c
	}
	return cp
}

func readConstantPool(r *bytes.Reader) (*ConstantPool, error) {
	count, err := ReadUint16(r)
	if err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading constant pool count")
	}
	if count == 0 {
		return nil, malformed(offsetOf(r)-2, nil, "constant pool count must not be 0")
	}
	p := &ConstantPool{entries: make([]*Constant, 1, count)}
	for i := 1; i < int(count); i++ {
		off := offsetOf(r)
		c, err := readConstant(r)
		if err != nil {
			return nil, malformed(off, readEOF(err), "reading constant #%d", i)
		}
		p.entries = append(p.entries, c)
		if c.Tag.Wide() {
			if i+1 >= int(count) {
				return nil, malformed(off, nil, "constant #%d (%s) exceeds constant pool count", i, c.Tag)
			}
			p.entries = append(p.entries, nil)
			i++
		}
	}
	return p, nil
}

func readConstant(r *bytes.Reader) (c *Constant, err error) {
	tag, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	c = &Constant{Tag: Tag(tag)}
	switch c.Tag {
	case TagUTF8:
		var n uint16
		if n, err = ReadUint16(r); err != nil {
			return nil, err
		}
		if c.Bytes, err = ReadBytesLen(r, int(n)); err != nil {
			return nil, err
		}
	case TagInteger, TagFloat:
		var v uint32
		v, err = ReadUint32(r)
		c.Bits = uint64(v)
	case TagLong, TagDouble:
		c.Bits, err = ReadUint64(r)
	case TagClass, TagString, TagMethodType, TagModule, TagPackage:
		c.A, err = ReadUint16(r)
	case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
		if c.A, err = ReadUint16(r); err != nil {
			return nil, err
		}
		c.B, err = ReadUint16(r)
	case TagMethodHandle:
		var kind uint8
		if kind, err = ReadUint8(r); err != nil {
			return nil, err
		}
		c.A = uint16(kind)
		c.B, err = ReadUint16(r)
	default:
		return nil, fmt.Errorf("unknown constant tag %d", tag)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *ConstantPool) write(w io.Writer) error {
	if len(p.entries) > math.MaxUint16 {
		return ErrPoolFull
	}
	if err := WriteUint16(w, uint16(len(p.entries))); err != nil {
		return err
	}
	for _, c := range p.entries {
		if c == nil {
			continue
		}
		if err := writeConstant(w, c); err != nil {
			return err
		}
	}
	return nil
}

func writeConstant(w io.Writer, c *Constant) (err error) {
	if err = WriteUint8(w, uint8(c.Tag)); err != nil {
		return
	}
	switch c.Tag {
	case TagUTF8:
		if len(c.Bytes) > math.MaxUint16 {
			return fmt.Errorf("utf8 constant too long (%d bytes)", len(c.Bytes))
		}
		if err = WriteUint16(w, uint16(len(c.Bytes))); err != nil {
			return
		}
		_, err = w.Write(c.Bytes)
	case TagInteger, TagFloat:
		err = WriteUint32(w, uint32(c.Bits))
	case TagLong, TagDouble:
		err = WriteUint64(w, c.Bits)
	case TagClass, TagString, TagMethodType, TagModule, TagPackage:
		err = WriteUint16(w, c.A)
	case TagMethodHandle:
		if err = WriteUint8(w, uint8(c.A)); err != nil {
			return
		}
		err = WriteUint16(w, c.B)
	default:
		if err = WriteUint16(w, c.A); err != nil {
			return
		}
		err = WriteUint16(w, c.B)
	}
	return
}
