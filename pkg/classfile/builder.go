package classfile

// New returns an empty public class with the given internal name and super class.
func New(name, super string, major uint16) (*Class, error) {
	c := &Class{Major: major, Pool: NewConstantPool(), Access: AccPublic | AccSuper}
	var err error
	if c.ThisClass, err = c.Pool.AddClass(name); err != nil {
		return nil, err
	}
	if super != "" {
		if c.SuperClass, err = c.Pool.AddClass(super); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddMethod appends a method. code may be nil for abstract and native methods.
func (c *Class) AddMethod(access uint16, name, desc string, code *Code) (*Member, error) {
	m, err := c.newMember(access, name, desc)
	if err != nil {
		return nil, err
	}
	if code != nil {
		if err := m.SetCode(c.Pool, code); err != nil {
			return nil, err
		}
	}
	c.Methods = append(c.Methods, m)
	return m, nil
}

// AddField appends a field without attributes.
func (c *Class) AddField(access uint16, name, desc string) (*Member, error) {
	m, err := c.newMember(access, name, desc)
	if err != nil {
		return nil, err
	}
	c.Fields = append(c.Fields, m)
	return m, nil
}

func (c *Class) newMember(access uint16, name, desc string) (*Member, error) {
	n, err := c.Pool.AddUTF8(name)
	if err != nil {
		return nil, err
	}
	d, err := c.Pool.AddUTF8(desc)
	if err != nil {
		return nil, err
	}
	return &Member{Access: access, NameIndex: n, DescIndex: d, Name: name, Descriptor: desc}, nil
}
