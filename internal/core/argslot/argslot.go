// Package argslot relays one value across a call boundary whose signature
// cannot be extended, such as a dial hook registered once on a shared dialer.
//
// A Slot belongs to the goroutine that pushes into it. It reaches the code on
// the far side of the boundary through a context.Context, so concurrent
// callers each carry their own slot and nothing leaks between them.
//
//	slot := argslot.NewNonNull[*target.ConnectionTarget]()
//	if err := slot.Push(t); err != nil {
//		return err
//	}
//	defer slot.Cleanup()
//	conn, err := dialer.DialContext(argslot.NewContext(ctx, slot), ...)
package argslot

import (
	"context"

	"wsgate/internal/shared/errors"
)

// Slot holds at most one pending value.
type Slot[T any] struct {
	value    T
	pending  bool
	nullable bool
}

// NewNullable returns a slot whose Peek and Pop tolerate an empty slot.
func NewNullable[T any]() *Slot[T] {
	return &Slot[T]{nullable: true}
}

// NewNonNull returns a slot whose Peek and Pop fail on an empty slot.
func NewNonNull[T any]() *Slot[T] {
	return &Slot[T]{}
}

// Push stores v. It fails if a previous value has not been consumed, which
// means the push and pop sides of the boundary are out of step.
func (s *Slot[T]) Push(v T) error {
	if s.pending {
		return errors.State("previous slot value has not been consumed, the injection point is mismatched or re-entered")
	}
	s.value = v
	s.pending = true
	return nil
}

// Peek returns the pending value without consuming it. For a nullable slot an
// empty slot yields the zero value and ok == false.
func (s *Slot[T]) Peek() (v T, ok bool, err error) {
	if !s.pending {
		if s.nullable {
			return v, false, nil
		}
		return v, false, errors.State("slot value is not available, Push must be called before Peek")
	}
	return s.value, true, nil
}

// Pop is Peek followed by Cleanup. The slot is cleared even when Peek fails.
func (s *Slot[T]) Pop() (v T, ok bool, err error) {
	defer s.Cleanup()
	return s.Peek()
}

// Cleanup clears the slot.
func (s *Slot[T]) Cleanup() {
	var zero T
	s.value = zero
	s.pending = false
}

// Pending reports whether a value is waiting to be consumed.
func (s *Slot[T]) Pending() bool {
	return s.pending
}

type contextKey[T any] struct{}

// NewContext returns a copy of ctx carrying slot.
func NewContext[T any](ctx context.Context, slot *Slot[T]) context.Context {
	return context.WithValue(ctx, contextKey[T]{}, slot)
}

// FromContext returns the slot stored by NewContext for the same T.
func FromContext[T any](ctx context.Context) (*Slot[T], bool) {
	slot, ok := ctx.Value(contextKey[T]{}).(*Slot[T])
	return slot, ok
}
