package classfile

import (
	"bytes"
	"fmt"
)

// Code is the decoded form of a method's Code attribute.
// The bytecode itself stays raw; see package bytecode.
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Bytecode   []byte
	Exceptions []ExceptionEntry
	Attributes []*Attribute
}

// ExceptionEntry is one row of a Code attribute's exception table.
type ExceptionEntry struct {
	Start, End, Handler uint16
	CatchType           uint16 // 0 catches everything
}

// ParseCode decodes the info bytes of a Code attribute.
func ParseCode(pool *ConstantPool, info []byte) (*Code, error) {
	r := bytes.NewReader(info)
	c := &Code{}
	var err error
	if c.MaxStack, err = ReadUint16(r); err == nil {
		c.MaxLocals, err = ReadUint16(r)
	}
	if err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading Code header")
	}
	n, err := ReadUint32(r)
	if err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading code length")
	}
	if n == 0 || n >= 65536 || int64(n) > int64(r.Len()) {
		return nil, malformed(offsetOf(r)-4, nil, "invalid code length %d", n)
	}
	if c.Bytecode, err = ReadBytesLen(r, int(n)); err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading bytecode")
	}
	en, err := ReadUint16(r)
	if err != nil {
		return nil, malformed(offsetOf(r), readEOF(err), "reading exception table length")
	}
	c.Exceptions = make([]ExceptionEntry, en)
	for i := range c.Exceptions {
		var v [4]uint16
		for j := range v {
			if v[j], err = ReadUint16(r); err != nil {
				return nil, malformed(offsetOf(r), readEOF(err), "reading exception entry #%d", i)
			}
		}
		e := ExceptionEntry{Start: v[0], End: v[1], Handler: v[2], CatchType: v[3]}
		if e.Start >= e.End || int(e.End) > len(c.Bytecode) || int(e.Handler) >= len(c.Bytecode) {
			return nil, malformed(offsetOf(r)-8, nil, "exception entry #%d out of range", i)
		}
		if e.CatchType != 0 {
			if _, err := pool.ClassName(e.CatchType); err != nil {
				return nil, malformed(offsetOf(r)-2, err, "bad catch type in exception entry #%d", i)
			}
		}
		c.Exceptions[i] = e
	}
	if c.Attributes, err = readAttributes(r, pool); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, malformed(offsetOf(r), nil, "%d trailing bytes in Code attribute", r.Len())
	}
	return c, nil
}

// Encode returns the info bytes of the Code attribute.
func (c *Code) Encode() ([]byte, error) {
	if len(c.Bytecode) == 0 || len(c.Bytecode) >= 65536 {
		return nil, fmt.Errorf("invalid code length %d", len(c.Bytecode))
	}
	var buf bytes.Buffer
	_ = WriteUint16(&buf, c.MaxStack)
	_ = WriteUint16(&buf, c.MaxLocals)
	_ = WriteUint32(&buf, uint32(len(c.Bytecode)))
	buf.Write(c.Bytecode)
	if err := writeCount(&buf, len(c.Exceptions), "exception entries"); err != nil {
		return nil, err
	}
	for _, e := range c.Exceptions {
		_ = WriteUint16(&buf, e.Start)
		_ = WriteUint16(&buf, e.End)
		_ = WriteUint16(&buf, e.Handler)
		_ = WriteUint16(&buf, e.CatchType)
	}
	if err := writeAttributes(&buf, c.Attributes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Code returns the parsed Code attribute of a method, or nil for abstract and native methods.
func (m *Member) Code(pool *ConstantPool) (*Code, error) {
	a := m.Attribute("Code")
	if a == nil {
		return nil, nil
	}
	c, err := ParseCode(pool, a.Info)
	if err != nil {
		if me, ok := err.(*MalformedClassError); ok {
			me.Reason = fmt.Sprintf("method %s: %s", m.Key(), me.Reason)
		}
		return nil, err
	}
	return c, nil
}

// SetCode replaces the Code attribute of a method.
func (m *Member) SetCode(pool *ConstantPool, c *Code) error {
	info, err := c.Encode()
	if err != nil {
		return err
	}
	a, err := NewAttribute(pool, "Code", info)
	if err != nil {
		return err
	}
	m.Attributes = SetAttribute(m.Attributes, a)
	return nil
}
