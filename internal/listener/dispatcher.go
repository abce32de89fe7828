package listener

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/dshills/tvsync/internal/listener/dispatch"
	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/schedule"
)

// Dispatcher fans events and variable assignments out to registered
// subscribers in priority order.
//
// Broadcasts take a snapshot of the enabled subscribers before delivering,
// so registry changes made by a subscriber during a broadcast take effect
// on the next broadcast. Deliveries are independent: an error or panic in
// one subscriber is recorded in its Result and the broadcast continues.
//
// A Dispatcher is itself a Subscriber, so dispatchers can be chained.
type Dispatcher struct {
	mu sync.Mutex

	name         string
	owner        Subscriber
	log          *logging.Logger
	sched        schedule.Scheduler
	catchUpDelay time.Duration
	exec         *dispatch.Executor

	reg     *registry
	ready   bool
	catchUp map[Handle]schedule.Timer

	activeEvent Event
	dispatching bool

	eventsDispatched    uint64
	variablesDispatched uint64
	catchUps            uint64
}

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		name:         cfg.name,
		owner:        cfg.owner,
		sched:        cfg.scheduler,
		catchUpDelay: cfg.catchUpDelay,
		reg:          newRegistry(),
		catchUp:      make(map[Handle]schedule.Timer),
	}
	d.log = logging.OrNull(cfg.logger).WithComponent("listener").WithField("dispatcher", cfg.name)

	panicHandler := cfg.panicHandler
	if panicHandler == nil {
		panicHandler = func(t any, v any, _ []byte) {
			d.log.Error("subscriber %v panicked: %v", t, v)
		}
	}
	d.exec = dispatch.NewExecutor(dispatch.WithPanicHandler(panicHandler))
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Register adds sub with the given priority and returns its handle.
//
// Registering an already registered subscriber does not create a second
// slot; it updates the priority of the existing one and returns the same
// handle. If Start has already run, the new subscriber is sent a catch-up
// EventReady after the configured delay.
func (d *Dispatcher) Register(sub Subscriber, priority Priority) (Handle, error) {
	if sub == nil {
		d.log.Error("register rejected: %v", ErrNilSubscriber)
		return Handle{}, ErrNilSubscriber
	}
	if !reflect.TypeOf(sub).Comparable() {
		d.log.Error("register rejected: %v (%T)", ErrNotComparable, sub)
		return Handle{}, ErrNotComparable
	}
	if sub == Subscriber(d) || (d.owner != nil && sub == d.owner) {
		d.log.Error("register rejected: %v", ErrSelfRegistration)
		return Handle{}, ErrSelfRegistration
	}

	d.mu.Lock()
	if h, ok := d.reg.find(sub); ok {
		d.updatePriorityLocked(d.reg.lookup(h), priority, false)
		d.mu.Unlock()
		d.log.Info("subscriber %v already registered, priority now %d", h, priority)
		return h, nil
	}

	s := d.reg.add(sub, priority)
	h := s.handle
	deliverNow := false
	if d.ready {
		if d.catchUpDelay > 0 {
			d.catchUp[h] = d.sched.AfterFunc(d.catchUpDelay, func() { d.deliverCatchUp(h) })
		} else {
			deliverNow = true
		}
	}
	d.mu.Unlock()

	d.log.Debug("registered %v at priority %d", h, priority)
	if deliverNow {
		d.deliverCatchUp(h)
	}
	return h, nil
}

// deliverCatchUp replays EventReady to one late registration if it is
// still registered and enabled.
func (d *Dispatcher) deliverCatchUp(h Handle) {
	d.mu.Lock()
	delete(d.catchUp, h)
	s := d.reg.lookup(h)
	if s == nil || s.disabled {
		d.mu.Unlock()
		return
	}
	d.catchUps++
	d.mu.Unlock()

	d.DispatchToOne(context.Background(), h, EventReady)
}

// Unregister removes the subscriber's slot. Unknown handles are ignored.
func (d *Dispatcher) Unregister(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.reg.remove(h) {
		return false
	}
	if t, ok := d.catchUp[h]; ok {
		t.Stop()
		delete(d.catchUp, h)
	}
	d.log.Debug("unregistered %v", h)
	return true
}

// Enable resumes delivery to a disabled subscriber at its existing
// position. It returns false if the handle is unknown or already enabled.
func (d *Dispatcher) Enable(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.reg.lookup(h)
	if s == nil || !s.disabled {
		return false
	}
	s.disabled = false
	d.log.Debug("enabled %v", h)
	return true
}

// Disable stops delivery to a subscriber without giving up its position.
// It returns false if the handle is unknown or already disabled.
func (d *Dispatcher) Disable(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.reg.lookup(h)
	if s == nil || s.disabled {
		return false
	}
	s.disabled = true
	d.log.Debug("disabled %v", h)
	return true
}

// UpdatePriority changes the weight of a slot. Unless noAutoShift is set,
// a larger weight moves the slot to the end of its new weight class and a
// smaller weight moves it to the front of its new weight class.
func (d *Dispatcher) UpdatePriority(h Handle, priority Priority, noAutoShift bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.reg.lookup(h)
	if s == nil {
		return false
	}
	d.updatePriorityLocked(s, priority, noAutoShift)
	return true
}

func (d *Dispatcher) updatePriorityLocked(s *slot, priority Priority, noAutoShift bool) {
	old := s.weight
	s.weight = priority
	if noAutoShift {
		d.log.Debug("priority of %v set to %d without shift", s.handle, priority)
		return
	}
	switch {
	case priority > old:
		d.reg.moveLow(s)
	case priority < old:
		d.reg.moveHigh(s)
	}
	d.log.Debug("priority of %v changed %d -> %d", s.handle, old, priority)
}

// SetPriorityFirst moves the slot to the front of the delivery order
// regardless of its weight. The weight is left unchanged, so the order is
// no longer sorted by weight until the slot is moved again.
func (d *Dispatcher) SetPriorityFirst(h Handle) bool {
	return d.move(h, "first", (*registry).moveFirst)
}

// SetPriorityLast moves the slot to the back of the delivery order
// regardless of its weight.
func (d *Dispatcher) SetPriorityLast(h Handle) bool {
	return d.move(h, "last", (*registry).moveLast)
}

// SetPriorityHigh moves the slot to the front of its weight class.
func (d *Dispatcher) SetPriorityHigh(h Handle) bool {
	return d.move(h, "high", (*registry).moveHigh)
}

// SetPriorityLow moves the slot to the back of its weight class.
func (d *Dispatcher) SetPriorityLow(h Handle) bool {
	return d.move(h, "low", (*registry).moveLow)
}

func (d *Dispatcher) move(h Handle, where string, fn func(*registry, *slot)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.reg.lookup(h)
	if s == nil {
		return false
	}
	fn(d.reg, s)
	d.log.Debug("moved %v to %s", h, where)
	return true
}

// Start marks the dispatcher ready and broadcasts EventReady. Later
// registrations receive a catch-up EventReady. Calling Start again is a
// no-op that returns nil.
func (d *Dispatcher) Start(ctx context.Context) []dispatch.Result {
	d.mu.Lock()
	if d.ready {
		d.mu.Unlock()
		return nil
	}
	d.ready = true
	d.mu.Unlock()

	d.log.Debug("ready")
	return d.DispatchEvent(ctx, EventReady)
}

// IsReady reports whether Start has run.
func (d *Dispatcher) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// DispatchEvent invokes event on every enabled subscriber in order and
// returns one Result per delivery. Target in each Result is the Handle.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event Event) []dispatch.Result {
	d.mu.Lock()
	d.eventsDispatched++
	d.mu.Unlock()

	return d.broadcast(ctx, event, func(ctx context.Context, sub Subscriber) error {
		return sub.Invoke(ctx, event)
	})
}

// DispatchVariable assigns field on every enabled subscriber in order.
func (d *Dispatcher) DispatchVariable(ctx context.Context, field Field, value any) []dispatch.Result {
	d.mu.Lock()
	d.variablesDispatched++
	d.mu.Unlock()

	return d.broadcast(ctx, Event(field), func(ctx context.Context, sub Subscriber) error {
		return sub.SetField(ctx, field, value)
	})
}

// broadcast delivers to a snapshot of the enabled subscribers. The active
// event is restored on return so nested broadcasts report correctly.
func (d *Dispatcher) broadcast(ctx context.Context, name Event, deliver func(context.Context, Subscriber) error) []dispatch.Result {
	d.mu.Lock()
	targets := d.reg.enabled()
	prevEvent, prevDispatching := d.activeEvent, d.dispatching
	d.activeEvent, d.dispatching = name, true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.activeEvent, d.dispatching = prevEvent, prevDispatching
		d.mu.Unlock()
	}()

	d.log.Trace("dispatching %q to %d subscribers", name, len(targets))

	results := make([]dispatch.Result, 0, len(targets))
	for _, t := range targets {
		sub := t.sub
		r := d.exec.Execute(ctx, t.handle, func(ctx context.Context) error {
			return deliver(ctx, sub)
		})
		if r.IsError() {
			d.log.Debug("delivery of %q to %v failed: %v", name, t.handle, r.Error)
		}
		results = append(results, r)
	}
	return results
}

// DispatchToOne delivers event to a single registered subscriber,
// bypassing the delivery order and its enabled flag.
func (d *Dispatcher) DispatchToOne(ctx context.Context, h Handle, event Event) (dispatch.Result, bool) {
	d.mu.Lock()
	s := d.reg.lookup(h)
	if s == nil {
		d.mu.Unlock()
		return dispatch.Result{}, false
	}
	sub := s.sub
	prevEvent, prevDispatching := d.activeEvent, d.dispatching
	d.activeEvent, d.dispatching = event, true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.activeEvent, d.dispatching = prevEvent, prevDispatching
		d.mu.Unlock()
	}()

	r := d.exec.Execute(ctx, h, func(ctx context.Context) error {
		return sub.Invoke(ctx, event)
	})
	return r, true
}

// Invoke implements Subscriber by broadcasting event.
func (d *Dispatcher) Invoke(ctx context.Context, event Event) error {
	d.DispatchEvent(ctx, event)
	return nil
}

// SetField implements Subscriber by broadcasting the assignment.
func (d *Dispatcher) SetField(ctx context.Context, field Field, value any) error {
	d.DispatchVariable(ctx, field, value)
	return nil
}

// ActiveEvent returns the event currently being delivered, if any.
func (d *Dispatcher) ActiveEvent() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeEvent, d.dispatching
}

// IsDispatching reports whether a delivery is in progress.
func (d *Dispatcher) IsDispatching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatching
}

// Len returns the number of registered subscribers, enabled or not.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reg.order)
}

// HandleOf returns the handle registered for sub.
func (d *Dispatcher) HandleOf(sub Subscriber) (Handle, bool) {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return Handle{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.find(sub)
}

// IsRegistered reports whether h resolves to a slot.
func (d *Dispatcher) IsRegistered(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.lookup(h) != nil
}

// IsEnabled reports whether h is registered and enabled.
func (d *Dispatcher) IsEnabled(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.reg.lookup(h)
	return s != nil && !s.disabled
}

// Priority returns the weight of h.
func (d *Dispatcher) Priority(h Handle) (Priority, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.reg.lookup(h)
	if s == nil {
		return 0, false
	}
	return s.weight, true
}

// Handles returns every registered handle in delivery order, including
// disabled ones.
func (d *Dispatcher) Handles() []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Handle, len(d.reg.order))
	for i, s := range d.reg.order {
		out[i] = s.handle
	}
	return out
}

// Snapshot returns the registry in delivery order.
func (d *Dispatcher) Snapshot() []SlotInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.snapshot()
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	es := d.exec.Stats()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Registered:          len(d.reg.order),
		Enabled:             d.reg.countEnabled(),
		EventsDispatched:    d.eventsDispatched,
		VariablesDispatched: d.variablesDispatched,
		Deliveries:          es.Executed,
		Failures:            es.Failed,
		Panics:              es.Panicked,
		CatchUps:            d.catchUps,
	}
}

// Close cancels pending catch-up notifications.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, t := range d.catchUp {
		t.Stop()
		delete(d.catchUp, h)
	}
}
