package listener

import (
	"context"
	"fmt"
	"math"
)

// Priority is a signed delivery weight. Lower values are delivered first.
type Priority int8

const (
	// PriorityMin is the earliest possible weight.
	PriorityMin Priority = math.MinInt8

	// PriorityDefault is the weight used by plain registrations.
	PriorityDefault Priority = 0

	// PriorityMax is the latest possible weight.
	PriorityMax Priority = math.MaxInt8
)

// String returns a human-readable priority class.
func (p Priority) String() string {
	switch {
	case p < PriorityDefault:
		return fmt.Sprintf("early(%d)", int8(p))
	case p > PriorityDefault:
		return fmt.Sprintf("late(%d)", int8(p))
	default:
		return "default(0)"
	}
}

// Event names a method-style notification delivered to subscribers.
type Event string

// Field names a variable assigned on subscribers.
type Field string

// EventReady is broadcast once by Start and replayed to late registrations.
const EventReady Event = "ready"

// Subscriber is the capability a listener must expose to be dispatched to.
//
// Registry lookups use interface equality, so implementations must have a
// comparable dynamic type. Pointer receivers are the usual choice.
type Subscriber interface {
	// Invoke delivers a named event.
	Invoke(ctx context.Context, event Event) error

	// SetField assigns a named variable.
	SetField(ctx context.Context, field Field, value any) error
}

// Funcs adapts plain functions to Subscriber. Either function may be nil,
// in which case the corresponding delivery is accepted and ignored.
type Funcs struct {
	Name    string
	OnEvent func(ctx context.Context, event Event) error
	OnField func(ctx context.Context, field Field, value any) error
}

// Invoke implements Subscriber.
func (f *Funcs) Invoke(ctx context.Context, event Event) error {
	if f.OnEvent == nil {
		return nil
	}
	return f.OnEvent(ctx, event)
}

// SetField implements Subscriber.
func (f *Funcs) SetField(ctx context.Context, field Field, value any) error {
	if f.OnField == nil {
		return nil
	}
	return f.OnField(ctx, field, value)
}

// String returns the adapter name.
func (f *Funcs) String() string {
	return f.Name
}

// Handle identifies a registered subscriber. Handles are generation-tagged:
// a handle to an unregistered slot never matches a later registration that
// reuses the slot. The zero Handle is never issued.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// String returns a compact representation such as "#3.1".
func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

// SlotInfo describes one registry slot in delivery order.
type SlotInfo struct {
	Handle     Handle
	Subscriber Subscriber
	Priority   Priority
	Enabled    bool
}

// Stats contains dispatcher statistics.
type Stats struct {
	// Registered is the number of registry slots.
	Registered int

	// Enabled is the number of slots that receive broadcasts.
	Enabled int

	// EventsDispatched counts DispatchEvent calls.
	EventsDispatched uint64

	// VariablesDispatched counts DispatchVariable calls.
	VariablesDispatched uint64

	// Deliveries counts individual subscriber calls, including failures.
	Deliveries uint64

	// Failures counts deliveries that returned an error.
	Failures uint64

	// Panics counts deliveries that panicked.
	Panics uint64

	// CatchUps counts ready notifications replayed to late registrations.
	CatchUps uint64
}
