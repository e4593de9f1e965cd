package bytecode

import (
	"fmt"
	"strings"
)

// Sort is the kind of a JVM field type.
type Sort uint8

const (
	SortVoid Sort = iota
	SortBoolean
	SortChar
	SortByte
	SortShort
	SortInt
	SortFloat
	SortLong
	SortDouble
	SortArray
	SortObject
)

// Type is a parsed field type descriptor.
type Type struct {
	Sort Sort
	Desc string
}

var (
	VoidType    = Type{SortVoid, "V"}
	BooleanType = Type{SortBoolean, "Z"}
	CharType    = Type{SortChar, "C"}
	ByteType    = Type{SortByte, "B"}
	ShortType   = Type{SortShort, "S"}
	IntType     = Type{SortInt, "I"}
	FloatType   = Type{SortFloat, "F"}
	LongType    = Type{SortLong, "J"}
	DoubleType  = Type{SortDouble, "D"}
	ObjectType  = Type{SortObject, "Ljava/lang/Object;"}
)

func (t Type) String() string { return t.Desc }

// Size is the number of local variable or operand stack slots the type takes.
func (t Type) Size() int {
	switch t.Sort {
	case SortVoid:
		return 0
	case SortLong, SortDouble:
		return 2
	}
	return 1
}

// IsReference reports whether values of the type are objects or arrays.
func (t Type) IsReference() bool { return t.Sort == SortObject || t.Sort == SortArray }

// InternalName returns the class name of an object type ("java/lang/String"),
// or the descriptor itself for arrays.
func (t Type) InternalName() string {
	if t.Sort == SortObject {
		return t.Desc[1 : len(t.Desc)-1]
	}
	return t.Desc
}

// Opcode adapts an int-typed opcode (ILOAD, ISTORE, IRETURN, IALOAD, IADD, ...)
// to this type.
func (t Type) Opcode(base Opcode) Opcode {
	var k Opcode
	switch t.Sort {
	case SortLong:
		k = 1
	case SortFloat:
		k = 2
	case SortDouble:
		k = 3
	case SortArray, SortObject:
		k = 4
	}
	switch base {
	case IRETURN:
		if t.Sort == SortVoid {
			return RETURN
		}
		return IRETURN + k
	case ILOAD, ISTORE:
		return base + k
	case IALOAD, IASTORE:
		switch t.Sort {
		case SortBoolean, SortByte:
			return base + 5
		case SortChar:
			return base + 6
		case SortShort:
			return base + 7
		}
		return base + k
	}
	// arithmetic: IADD, ISUB, ... are laid out int, long, float, double
	if k == 4 {
		k = 0
	}
	return base + k
}

// ParseType parses a single field descriptor such as "I" or "[Ljava/lang/String;".
func ParseType(desc string) (Type, error) {
	t, n, err := parseType(desc, 0)
	if err != nil {
		return Type{}, err
	}
	if n != len(desc) {
		return Type{}, fmt.Errorf("invalid type descriptor %q", desc)
	}
	return t, nil
}

// ParseMethodType parses a method descriptor such as "(ILjava/lang/String;)V".
func ParseMethodType(desc string) (args []Type, ret Type, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, Type{}, fmt.Errorf("invalid method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		var t Type
		var n int
		t, n, err = parseType(desc, i)
		if err != nil || t.Sort == SortVoid {
			return nil, Type{}, fmt.Errorf("invalid method descriptor %q", desc)
		}
		args = append(args, t)
		i = n
	}
	if i >= len(desc) {
		return nil, Type{}, fmt.Errorf("invalid method descriptor %q", desc)
	}
	ret, n, err := parseType(desc, i+1)
	if err != nil || n != len(desc) {
		return nil, Type{}, fmt.Errorf("invalid method descriptor %q", desc)
	}
	return args, ret, nil
}

// MethodDescriptor builds a method descriptor from its parts.
func MethodDescriptor(ret Type, args ...Type) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, a := range args {
		sb.WriteString(a.Desc)
	}
	sb.WriteByte(')')
	sb.WriteString(ret.Desc)
	return sb.String()
}

// ArgsSize returns the number of local slots taken by args.
func ArgsSize(args []Type) int {
	n := 0
	for _, a := range args {
		n += a.Size()
	}
	return n
}

// parseType parses the type starting at desc[i] and returns the index after it.
func parseType(desc string, i int) (Type, int, error) {
	if i >= len(desc) {
		return Type{}, 0, fmt.Errorf("truncated descriptor %q", desc)
	}
	switch desc[i] {
	case 'V':
		return VoidType, i + 1, nil
	case 'Z':
		return BooleanType, i + 1, nil
	case 'C':
		return CharType, i + 1, nil
	case 'B':
		return ByteType, i + 1, nil
	case 'S':
		return ShortType, i + 1, nil
	case 'I':
		return IntType, i + 1, nil
	case 'F':
		return FloatType, i + 1, nil
	case 'J':
		return LongType, i + 1, nil
	case 'D':
		return DoubleType, i + 1, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end <= 1 {
			return Type{}, 0, fmt.Errorf("invalid object type in %q", desc)
		}
		return Type{SortObject, desc[i : i+end+1]}, i + end + 1, nil
	case '[':
		j := i
		for j < len(desc) && desc[j] == '[' {
			j++
		}
		elem, n, err := parseType(desc, j)
		if err != nil || elem.Sort == SortVoid {
			return Type{}, 0, fmt.Errorf("invalid array type in %q", desc)
		}
		return Type{SortArray, desc[i:n]}, n, nil
	}
	return Type{}, 0, fmt.Errorf("invalid descriptor %q at %d", desc, i)
}

// ObjectTypeOf returns the type of an internal class name or array descriptor
// as stored in a Class constant.
func ObjectTypeOf(internal string) Type {
	if strings.HasPrefix(internal, "[") {
		return Type{SortArray, internal}
	}
	return Type{SortObject, "L" + internal + ";"}
}
