// Package memnet is an in-process network for replicated cells.
//
// A Room holds peers, tracks the owner of every cell and keeps a queue of
// frames in flight. Nothing is delivered until Flush is called, so tests
// and simulations decide exactly when packets land, in what order, and
// which are lost.
package memnet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/replica/wire"
	"github.com/dshills/tvsync/internal/schedule"
)

// maxFlushRounds bounds Flush when deliveries keep producing new frames.
const maxFlushRounds = 64

// Delivery is a frame in flight to one peer.
type Delivery struct {
	Seq  uint64
	Kind wire.Kind
	Cell string
	From replica.PeerID
	To   replica.PeerID

	// Rev and Payload are set for sync frames.
	Rev     replica.Revision
	Payload []byte

	// Owner is set for ownership frames.
	Owner replica.PeerID
}

// Stats contains room counters.
type Stats struct {
	Sent             uint64
	Failed           uint64
	Delivered        uint64
	Dropped          uint64
	OwnershipChanges uint64
	OwnershipDenied  uint64
}

// Option configures a Room.
type Option func(*Room)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Room) {
		r.log = logging.OrNull(l).WithComponent("memnet")
	}
}

// WithScheduler sets the clock the server time is derived from.
func WithScheduler(s schedule.Scheduler) Option {
	return func(r *Room) {
		if s != nil {
			r.sched = s
		}
	}
}

// WithDropFunc installs a predicate deciding which sync frames are lost.
func WithDropFunc(fn func(Delivery) bool) Option {
	return func(r *Room) {
		r.drop = fn
	}
}

// WithReorderFunc installs a function that may permute each batch of
// frames before it is delivered.
func WithReorderFunc(fn func([]Delivery)) Option {
	return func(r *Room) {
		r.reorder = fn
	}
}

// Room is a simulated session. It is safe for concurrent use.
type Room struct {
	mu    sync.Mutex
	log   *logging.Logger
	sched schedule.Scheduler
	start time.Time

	peers map[replica.PeerID]*Peer
	cells map[string]*cellState
	queue []Delivery
	seq   uint64

	drop    func(Delivery) bool
	reorder func([]Delivery)

	stats Stats
}

type cellState struct {
	owner    replica.PeerID
	attached []*Attachment
}

// NewRoom creates an empty room.
func NewRoom(opts ...Option) *Room {
	r := &Room{
		log:   logging.Null(),
		sched: schedule.Real{},
		peers: make(map[replica.PeerID]*Peer),
		cells: make(map[string]*cellState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.sched.Now()
	return r
}

// Join adds a peer. An empty id gets a random one.
func (r *Room) Join(id replica.PeerID) (*Peer, error) {
	if id == "" {
		id = replica.PeerID(uuid.NewString())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return nil, ErrDuplicatePeer
	}
	p := &Peer{room: r, id: id}
	r.peers[id] = p
	r.log.Debug("peer %s joined", id)
	return p, nil
}

// Peer returns a joined peer.
func (r *Room) Peer(id replica.PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// ServerTime returns seconds elapsed on the room clock.
func (r *Room) ServerTime() float64 {
	return r.sched.Now().Sub(r.start).Seconds()
}

// Owner returns the owner of a cell, or "" if no peer is attached.
func (r *Room) Owner(cell string) replica.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.cells[cell]; ok {
		return cs.owner
	}
	return ""
}

// SetDropFunc replaces the loss predicate. nil disables loss.
func (r *Room) SetDropFunc(fn func(Delivery) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop = fn
}

// SetReorderFunc replaces the batch permutation. nil keeps send order.
func (r *Room) SetReorderFunc(fn func([]Delivery)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reorder = fn
}

// Pending returns the number of frames waiting for Flush.
func (r *Room) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stats returns the room counters.
func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Flush delivers queued frames until the queue is empty and returns how
// many were delivered. Frames produced while delivering are handled in a
// following round.
func (r *Room) Flush(ctx context.Context) int {
	delivered := 0
	for round := 0; round < maxFlushRounds; round++ {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		reorder := r.reorder
		r.mu.Unlock()

		if len(batch) == 0 {
			return delivered
		}
		if reorder != nil {
			reorder(batch)
		}
		for _, d := range batch {
			if ctx.Err() != nil {
				return delivered
			}
			if r.deliver(ctx, d) {
				delivered++
			}
		}
	}
	r.log.Warn("flush stopped after %d rounds with %d frames queued", maxFlushRounds, r.Pending())
	return delivered
}

func (r *Room) deliver(ctx context.Context, d Delivery) bool {
	r.mu.Lock()
	target := r.attachmentLocked(d.Cell, d.To)
	drop := r.drop
	r.mu.Unlock()

	if target == nil {
		return false
	}
	if d.Kind == wire.KindSync && drop != nil && drop(d) {
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		r.log.Trace("dropped %v %s %s -> %s", d.Kind, d.Rev, d.From, d.To)
		return false
	}

	r.mu.Lock()
	r.stats.Delivered++
	r.mu.Unlock()

	switch d.Kind {
	case wire.KindSync:
		out, err := target.rep.ReceiveFrame(ctx, d.Rev, d.Payload)
		if err != nil {
			r.log.Warn("receive %s %v at %s: %v", d.Cell, d.Rev, d.To, err)
		}
		r.log.Trace("delivered %s %v %s -> %s: %v", d.Cell, d.Rev, d.From, d.To, out)
	case wire.KindOwnershipTransferred:
		if err := target.rep.OwnershipTransferred(ctx, d.Owner); err != nil {
			r.log.Warn("ownership notice %s at %s: %v", d.Cell, d.To, err)
		}
	}
	return true
}

func (r *Room) attachmentLocked(cell string, peer replica.PeerID) *Attachment {
	cs, ok := r.cells[cell]
	if !ok {
		return nil
	}
	for _, a := range cs.attached {
		if a.peer.id == peer {
			return a
		}
	}
	return nil
}

// enqueueLocked appends a frame for every attachment of the cell except
// the one from skip.
func (r *Room) enqueueLocked(cs *cellState, skip replica.PeerID, d Delivery) {
	for _, a := range cs.attached {
		if a.peer.id == skip {
			continue
		}
		r.seq++
		d.Seq = r.seq
		d.To = a.peer.id
		r.queue = append(r.queue, d)
	}
}

// transferLocked changes the owner and queues the notice to every peer.
func (r *Room) transferLocked(cell string, cs *cellState, to replica.PeerID) {
	cs.owner = to
	r.stats.OwnershipChanges++
	r.enqueueLocked(cs, "", Delivery{
		Kind:  wire.KindOwnershipTransferred,
		Cell:  cell,
		From:  to,
		Owner: to,
	})
	r.log.Debug("cell %s owner -> %s", cell, to)
}

// noticeLocked queues an ownership notice naming owner for one peer.
func (r *Room) noticeLocked(cell string, owner, to replica.PeerID) {
	r.seq++
	r.queue = append(r.queue, Delivery{
		Kind:  wire.KindOwnershipTransferred,
		Cell:  cell,
		From:  owner,
		To:    to,
		Seq:   r.seq,
		Owner: owner,
	})
	r.log.Debug("cell %s owner %s restated to %s", cell, owner, to)
}

// Peer is a participant in a room.
type Peer struct {
	room        *Room
	id          replica.PeerID
	attachments []*Attachment
	failNext    int
	left        bool
}

// ID returns the peer ID.
func (p *Peer) ID() replica.PeerID {
	return p.id
}

// Attach registers rep for this peer. The first peer to attach a cell owns
// it. The returned attachment is the replica.Transport to bind to the cell.
func (p *Peer) Attach(rep replica.Replicator) (*Attachment, error) {
	r := p.room
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.left {
		return nil, ErrPeerLeft
	}
	name := rep.Name()
	cs, ok := r.cells[name]
	if !ok {
		cs = &cellState{}
		r.cells[name] = cs
	}
	for _, a := range cs.attached {
		if a.peer == p {
			return nil, ErrAlreadyAttached
		}
	}

	a := &Attachment{peer: p, rep: rep, cell: name}
	cs.attached = append(cs.attached, a)
	p.attachments = append(p.attachments, a)
	if cs.owner == "" {
		cs.owner = p.id
	}
	r.log.Debug("peer %s attached %s, owner %s", p.id, name, cs.owner)
	return a, nil
}

// FailNext makes the next n sends from this peer fail.
func (p *Peer) FailNext(n int) {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	p.failNext += n
}

// Leave detaches every cell and removes the peer from the room.
func (p *Peer) Leave() {
	r := p.room
	r.mu.Lock()
	attachments := p.attachments
	p.attachments = nil
	p.left = true
	delete(r.peers, p.id)
	r.mu.Unlock()

	for _, a := range attachments {
		a.Detach()
	}
	r.log.Debug("peer %s left", p.id)
}
