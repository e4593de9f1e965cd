package analysis

import (
	"strings"
)

// Frame is the abstract machine state before an instruction.
// A long or double local takes two slots, the second holding Top.
// On the stack every value takes one entry regardless of size.
type Frame struct {
	Locals []Value
	Stack  []Value
}

func (f *Frame) clone() *Frame {
	return &Frame{
		Locals: append([]Value(nil), f.Locals...),
		Stack:  append([]Value(nil), f.Stack...),
	}
}

// StackSize returns the operand stack depth in slots.
func (f *Frame) StackSize() int {
	n := 0
	for _, v := range f.Stack {
		n += v.Size()
	}
	return n
}

// Top returns the value on top of the stack.
func (f *Frame) Top() (Value, bool) {
	if len(f.Stack) == 0 {
		return Value{}, false
	}
	return f.Stack[len(f.Stack)-1], true
}

func (f *Frame) String() string {
	var sb strings.Builder
	sb.WriteString("locals[")
	for i, v := range f.Locals {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.String())
	}
	sb.WriteString("] stack[")
	for i, v := range f.Stack {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// replace swaps every occurrence of old in the frame for v.
// Used when a constructor call initializes an object.
func (f *Frame) replace(old, v Value) {
	for i := range f.Locals {
		if f.Locals[i] == old {
			f.Locals[i] = v
		}
	}
	for i := range f.Stack {
		if f.Stack[i] == old {
			f.Stack[i] = v
		}
	}
}
