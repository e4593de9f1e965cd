// Package reload provides file watching and reload events.
package reload

import (
	"github.com/robinbraemer/event"
)

// UpdateEvent is fired when a watched value was reloaded.
type UpdateEvent[T any] struct {
	// Value is the reloaded value.
	Value *T
}

// Event implements event.Event.
var _ event.Event = (*UpdateEvent[any])(nil)

// Subscribe subscribes the given handler to the update event of T.
func Subscribe[T any](mgr event.Manager, handler func(*UpdateEvent[T])) func() {
	return event.Subscribe(mgr, 0, handler)
}

// FireUpdate fires the update event of T.
func FireUpdate[T any](mgr event.Manager, value *T) {
	mgr.Fire(&UpdateEvent[T]{Value: value})
}
