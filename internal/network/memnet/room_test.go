package memnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/schedule"
)

type listHooks struct {
	mu    sync.Mutex
	items []string
	stale int
}

func (h *listHooks) CaptureOutgoing(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.items...), nil
}

func (h *listHooks) OnDeliveryAck(ctx context.Context, rev replica.Revision) {}

func (h *listHooks) ApplyIncoming(ctx context.Context, payload []string, rev replica.Revision) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = payload
	return nil
}

func (h *listHooks) OnStaleIncoming(ctx context.Context, payload []string, rev replica.Revision) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stale++
	return nil
}

func (h *listHooks) set(items ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = items
}

func (h *listHooks) get() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.items
}

type member struct {
	peer  *Peer
	cell  *replica.Cell[[]string]
	hooks *listHooks
	att   *Attachment
}

func join(t *testing.T, room *Room, sched schedule.Scheduler, id replica.PeerID) *member {
	t.Helper()
	p, err := room.Join(id)
	if err != nil {
		t.Fatalf("Join(%s) failed: %v", id, err)
	}
	hooks := &listHooks{}
	cell, err := replica.NewCell[[]string]("queue", hooks, replica.WithScheduler(sched))
	if err != nil {
		t.Fatalf("NewCell() failed: %v", err)
	}
	att, err := p.Attach(cell)
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := cell.Bind(att); err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	return &member{peer: p, cell: cell, hooks: hooks, att: att}
}

func newRoom(opts ...Option) (*Room, *schedule.Manual) {
	sched := schedule.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRoom(append([]Option{WithScheduler(sched)}, opts...)...), sched
}

func TestRoom_Join(t *testing.T) {
	room, _ := newRoom()

	p, err := room.Join("")
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	if len(p.ID()) != 36 {
		t.Errorf("expected generated uuid, got %q", p.ID())
	}
	if _, err := room.Join(p.ID()); !errors.Is(err, ErrDuplicatePeer) {
		t.Errorf("expected ErrDuplicatePeer, got %v", err)
	}
	if got, ok := room.Peer(p.ID()); !ok || got != p {
		t.Error("Peer() did not return the joined peer")
	}
}

func TestRoom_FirstAttachOwns(t *testing.T) {
	room, sched := newRoom()
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")

	if room.Owner("queue") != "a" {
		t.Errorf("expected a to own, got %s", room.Owner("queue"))
	}
	if !a.cell.IsOwner() || b.cell.IsOwner() {
		t.Error("ownership not reflected by cells")
	}
	if _, err := a.peer.Attach(a.cell); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestRoom_CommitReplicates(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom()
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")
	c := join(t, room, sched, "c")

	sched.Advance(2 * time.Second)
	a.hooks.set("x", "y")
	if err := a.cell.RequestData(ctx); err != nil {
		t.Fatalf("RequestData() failed: %v", err)
	}
	if room.Pending() != 2 {
		t.Fatalf("expected 2 frames queued, got %d", room.Pending())
	}
	if n := room.Flush(ctx); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}

	for _, m := range []*member{b, c} {
		if got := m.hooks.get(); len(got) != 2 || got[1] != "y" {
			t.Errorf("%s has %v", m.peer.ID(), got)
		}
		if m.cell.Watermark() != a.cell.Revision() {
			t.Errorf("%s watermark %v, want %v", m.peer.ID(), m.cell.Watermark(), a.cell.Revision())
		}
	}
	if a.cell.Revision().Time != 2 {
		t.Errorf("expected server time 2, got %v", a.cell.Revision().Time)
	}
	if a.cell.PendingResync() {
		t.Error("successful send should acknowledge the commit")
	}
}

func TestRoom_ImplicitOwnershipTransfer(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom()
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")

	b.hooks.set("from-b")
	if err := b.cell.RequestData(ctx); err != nil {
		t.Fatalf("RequestData() failed: %v", err)
	}
	if room.Owner("queue") != "b" {
		t.Fatalf("expected b to own, got %s", room.Owner("queue"))
	}
	if !a.cell.State().OwnershipTransferInProgress {
		t.Error("old owner should hold the transfer flag until notified")
	}

	room.Flush(ctx)
	if a.cell.State().OwnershipTransferInProgress {
		t.Error("transfer flag should clear on notice")
	}
	if got := a.hooks.get(); len(got) != 1 || got[0] != "from-b" {
		t.Errorf("a has %v", got)
	}
	if room.Stats().OwnershipChanges != 1 {
		t.Errorf("expected one ownership change, got %d", room.Stats().OwnershipChanges)
	}
}

func TestRoom_OwnershipDeniedWhileTransferring(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom()
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")
	c := join(t, room, sched, "c")

	// No notices are flushed, so every peer that granted a request keeps
	// its transfer flag set.
	if err := b.att.SendOwnershipRequest(ctx); err != nil {
		t.Fatalf("SendOwnershipRequest() failed: %v", err)
	}
	if err := c.att.SendOwnershipRequest(ctx); err != nil {
		t.Fatalf("SendOwnershipRequest() failed: %v", err)
	}
	if err := a.att.SendOwnershipRequest(ctx); err != nil {
		t.Fatalf("expected c to accept a, got %v", err)
	}
	if err := b.att.SendOwnershipRequest(ctx); !errors.Is(err, ErrOwnershipDenied) {
		t.Errorf("expected ErrOwnershipDenied, got %v", err)
	}
	if room.Stats().OwnershipDenied != 1 {
		t.Errorf("expected one denial, got %d", room.Stats().OwnershipDenied)
	}
}

// leavingGrant detaches the requester right after its owner accepts.
type leavingGrant struct {
	*replica.Cell[[]string]
	requester *Attachment
}

func (g leavingGrant) OwnershipRequest(requester, target replica.PeerID) bool {
	ok := g.Cell.OwnershipRequest(requester, target)
	if g.requester != nil {
		g.requester.Detach()
	}
	return ok
}

func TestRoom_RequesterLeavesAfterGrant(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom()

	p, err := room.Join("a")
	if err != nil {
		t.Fatal(err)
	}
	hooks := &listHooks{}
	cell, err := replica.NewCell[[]string]("queue", hooks, replica.WithScheduler(sched))
	if err != nil {
		t.Fatal(err)
	}
	g := &leavingGrant{Cell: cell}
	att, err := p.Attach(g)
	if err != nil {
		t.Fatal(err)
	}
	if err := cell.Bind(att); err != nil {
		t.Fatal(err)
	}
	b := join(t, room, sched, "b")
	c := join(t, room, sched, "c")
	g.requester = b.att

	if err := b.att.SendOwnershipRequest(ctx); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
	if room.Owner("queue") != "a" {
		t.Fatalf("owner = %s, want a", room.Owner("queue"))
	}
	room.Flush(ctx)
	if cell.State().OwnershipTransferInProgress {
		t.Fatal("owner still holds the transfer flag")
	}

	g.requester = nil
	if err := c.att.SendOwnershipRequest(ctx); err != nil {
		t.Fatalf("later request should be accepted, got %v", err)
	}
	if room.Owner("queue") != "c" {
		t.Errorf("owner = %s, want c", room.Owner("queue"))
	}
}

func TestRoom_NonOwnerCannotSerialize(t *testing.T) {
	room, sched := newRoom()
	join(t, room, sched, "a")
	b := join(t, room, sched, "b")

	if err := b.att.RequestSerialization(context.Background()); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if b.cell.Revision().Count != 0 {
		t.Error("rejected serialization must not bump the revision")
	}
}

func TestRoom_FailedSendRetries(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom()
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")

	a.peer.FailNext(1)
	a.hooks.set("x")
	a.cell.RequestData(ctx)

	if room.Pending() != 0 {
		t.Fatalf("failed send queued %d frames", room.Pending())
	}
	if !a.cell.IsRetrying() {
		t.Fatal("expected retry after failed send")
	}

	sched.Advance(replica.DefaultRetryBackoff)
	room.Flush(ctx)

	if got := b.hooks.get(); len(got) != 1 || got[0] != "x" {
		t.Errorf("b has %v after retry", got)
	}
	if a.cell.IsRetrying() {
		t.Error("expected retry cleared after delivery")
	}
	st := room.Stats()
	if st.Failed != 1 || st.Sent != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRoom_ReorderedFramesAreStale(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom(WithReorderFunc(func(batch []Delivery) {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	}))
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")

	a.hooks.set("one")
	a.cell.RequestData(ctx)
	sched.Advance(time.Second)
	a.hooks.set("one", "two")
	a.cell.RequestData(ctx)
	room.Flush(ctx)

	if b.cell.Watermark() != a.cell.Revision() {
		t.Errorf("watermark %v, want %v", b.cell.Watermark(), a.cell.Revision())
	}
	if got := b.hooks.get(); len(got) != 2 {
		t.Errorf("late stale frame overwrote state: %v", got)
	}
	if b.hooks.stale != 1 {
		t.Errorf("expected one stale frame, got %d", b.hooks.stale)
	}
}

func TestRoom_DropFunc(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom(WithDropFunc(func(d Delivery) bool { return d.To == "b" }))
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")
	c := join(t, room, sched, "c")

	a.hooks.set("x")
	a.cell.RequestData(ctx)
	room.Flush(ctx)

	if len(b.hooks.get()) != 0 {
		t.Error("b should have lost the frame")
	}
	if len(c.hooks.get()) != 1 {
		t.Error("c should have received the frame")
	}

	room.SetDropFunc(nil)
	a.cell.RequestData(ctx)
	room.Flush(ctx)
	if len(b.hooks.get()) != 1 {
		t.Error("b should converge once loss stops")
	}
	if room.Stats().Dropped != 1 {
		t.Errorf("expected one drop, got %d", room.Stats().Dropped)
	}
}

func TestRoom_OwnerLeaves(t *testing.T) {
	ctx := context.Background()
	room, sched := newRoom()
	a := join(t, room, sched, "a")
	b := join(t, room, sched, "b")
	join(t, room, sched, "c")

	a.peer.Leave()
	if room.Owner("queue") != "b" {
		t.Fatalf("expected b to inherit, got %s", room.Owner("queue"))
	}
	room.Flush(ctx)
	if !b.cell.IsOwner() {
		t.Error("b should own the cell")
	}
	if err := a.att.RequestSerialization(ctx); !errors.Is(err, ErrDetached) {
		t.Errorf("expected ErrDetached, got %v", err)
	}
	if _, err := a.peer.Attach(a.cell); !errors.Is(err, ErrPeerLeft) {
		t.Errorf("expected ErrPeerLeft, got %v", err)
	}
}
