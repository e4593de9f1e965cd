package analysis

import (
	"fmt"
	"strings"

	"github.com/cbyrne/betterinject/pkg/bytecode"
)

// Kind is the verification type of a value.
type Kind uint8

const (
	Top Kind = iota
	Int
	Float
	Long
	Double
	Null
	UninitThis
	Uninit // result of NEW before its constructor ran
	Ref
)

var kindNames = [...]string{"top", "int", "float", "long", "double", "null", "uninitializedThis", "uninitialized", "ref"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is the abstract value of a local variable or stack slot.
type Value struct {
	Kind  Kind
	Class string         // Ref: internal name or array descriptor; Uninit: class being created
	New   *bytecode.Insn // Uninit: the NEW instruction
}

var (
	TopValue    = Value{Kind: Top}
	IntValue    = Value{Kind: Int}
	FloatValue  = Value{Kind: Float}
	LongValue   = Value{Kind: Long}
	DoubleValue = Value{Kind: Double}
	NullValue   = Value{Kind: Null}
)

const (
	objectClass    = "java/lang/Object"
	throwableClass = "java/lang/Throwable"
)

// RefValue returns an initialized reference to class (internal name or array descriptor).
func RefValue(class string) Value { return Value{Kind: Ref, Class: class} }

func (v Value) String() string {
	switch v.Kind {
	case Ref:
		return v.Class
	case Uninit:
		return "uninitialized " + v.Class
	}
	return v.Kind.String()
}

// Size is the number of slots the value takes.
func (v Value) Size() int {
	if v.Kind == Long || v.Kind == Double {
		return 2
	}
	return 1
}

// IsReference reports whether the value is any kind of object reference.
func (v Value) IsReference() bool {
	switch v.Kind {
	case Null, UninitThis, Uninit, Ref:
		return true
	}
	return false
}

// ValueOf converts a field type to the value it has on the stack.
func ValueOf(t bytecode.Type) Value {
	switch t.Sort {
	case bytecode.SortVoid:
		return TopValue
	case bytecode.SortBoolean, bytecode.SortByte, bytecode.SortChar, bytecode.SortShort, bytecode.SortInt:
		return IntValue
	case bytecode.SortFloat:
		return FloatValue
	case bytecode.SortLong:
		return LongValue
	case bytecode.SortDouble:
		return DoubleValue
	}
	return RefValue(t.InternalName())
}

// elementOf returns the component value of an array class descriptor.
func elementOf(array string) (Value, bool) {
	if !strings.HasPrefix(array, "[") {
		return Value{}, false
	}
	t, err := bytecode.ParseType(array[1:])
	if err != nil {
		return Value{}, false
	}
	return ValueOf(t), true
}

func isArray(class string) bool { return strings.HasPrefix(class, "[") }
