package listener

// slot is one registry entry. A slot is either enabled or disabled, never
// both; disabling keeps the slot in place so that enabling restores its
// delivery position.
type slot struct {
	handle   Handle
	sub      Subscriber
	weight   Priority
	disabled bool
}

// arenaEntry backs a Handle index. gen is bumped whenever the entry is
// released so stale handles stop resolving.
type arenaEntry struct {
	gen  uint32
	slot *slot
}

// target is a delivery snapshot taken under the dispatcher lock.
type target struct {
	handle Handle
	sub    Subscriber
}

// registry holds the slot arena and the delivery order. It is not
// synchronized; the Dispatcher guards it.
type registry struct {
	arena []arenaEntry
	free  []uint32
	bySub map[Subscriber]Handle
	order []*slot
}

func newRegistry() *registry {
	return &registry{bySub: make(map[Subscriber]Handle)}
}

// lookup resolves a handle to its slot, or nil when the handle is stale.
func (r *registry) lookup(h Handle) *slot {
	if h.IsZero() || int(h.index) >= len(r.arena) {
		return nil
	}
	e := r.arena[h.index]
	if e.gen != h.gen || e.slot == nil {
		return nil
	}
	return e.slot
}

// find returns the handle registered for sub.
func (r *registry) find(sub Subscriber) (Handle, bool) {
	h, ok := r.bySub[sub]
	return h, ok
}

// add allocates a slot for sub and inserts it before the first slot whose
// weight exceeds weight, which keeps equal weights in registration order.
func (r *registry) add(sub Subscriber, weight Priority) *slot {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.arena))
		r.arena = append(r.arena, arenaEntry{})
	}

	e := &r.arena[index]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	s := &slot{handle: Handle{index: index, gen: e.gen}, sub: sub, weight: weight}
	e.slot = s

	pos := len(r.order)
	for i, other := range r.order {
		if other.weight > weight {
			pos = i
			break
		}
	}
	r.insertAt(s, pos)
	r.bySub[sub] = s.handle
	return s
}

// remove splices the slot out of the order and releases its handle.
func (r *registry) remove(h Handle) bool {
	s := r.lookup(h)
	if s == nil {
		return false
	}
	r.detach(s)
	delete(r.bySub, s.sub)

	e := &r.arena[h.index]
	e.slot = nil
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	r.free = append(r.free, h.index)
	return true
}

func (r *registry) position(s *slot) int {
	for i, other := range r.order {
		if other == s {
			return i
		}
	}
	return -1
}

func (r *registry) detach(s *slot) {
	if i := r.position(s); i >= 0 {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

func (r *registry) insertAt(s *slot, pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos >= len(r.order) {
		r.order = append(r.order, s)
		return
	}
	r.order = append(r.order, nil)
	copy(r.order[pos+1:], r.order[pos:])
	r.order[pos] = s
}

// moveFirst places s at the front regardless of weight.
func (r *registry) moveFirst(s *slot) {
	r.detach(s)
	r.insertAt(s, 0)
}

// moveLast places s at the back regardless of weight.
func (r *registry) moveLast(s *slot) {
	r.detach(s)
	r.insertAt(s, len(r.order))
}

// moveHigh places s just before the first slot whose weight is equal or
// greater, making it the first of its weight class.
func (r *registry) moveHigh(s *slot) {
	r.detach(s)
	pos := len(r.order)
	for i, other := range r.order {
		if other.weight >= s.weight {
			pos = i
			break
		}
	}
	r.insertAt(s, pos)
}

// moveLow places s just after the last slot whose weight is equal or
// lesser, making it the last of its weight class.
func (r *registry) moveLow(s *slot) {
	r.detach(s)
	pos := 0
	for i := len(r.order) - 1; i >= 0; i-- {
		if r.order[i].weight <= s.weight {
			pos = i + 1
			break
		}
	}
	r.insertAt(s, pos)
}

// enabled returns the delivery snapshot of enabled slots in order.
func (r *registry) enabled() []target {
	out := make([]target, 0, len(r.order))
	for _, s := range r.order {
		if s.disabled || s.sub == nil {
			continue
		}
		out = append(out, target{handle: s.handle, sub: s.sub})
	}
	return out
}

func (r *registry) countEnabled() int {
	n := 0
	for _, s := range r.order {
		if !s.disabled {
			n++
		}
	}
	return n
}

func (r *registry) snapshot() []SlotInfo {
	out := make([]SlotInfo, len(r.order))
	for i, s := range r.order {
		out[i] = SlotInfo{
			Handle:     s.handle,
			Subscriber: s.sub,
			Priority:   s.weight,
			Enabled:    !s.disabled,
		}
	}
	return out
}
