package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/tvsync/internal/listener"
	"github.com/dshills/tvsync/internal/network/memnet"
	"github.com/dshills/tvsync/internal/plugin/lua"
	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/schedule"
)

type recorder struct {
	mu     sync.Mutex
	events []listener.Event
	length int
	last   Entry
}

func (r *recorder) subscriber() *listener.Funcs {
	return &listener.Funcs{
		Name: "recorder",
		OnEvent: func(ctx context.Context, e listener.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
			return nil
		},
		OnField: func(ctx context.Context, f listener.Field, v any) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			switch f {
			case FieldLength:
				r.length = v.(int)
			case FieldEntry:
				r.last = v.(Entry)
			}
			return nil
		},
	}
}

func (r *recorder) count(e listener.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

type harness struct {
	room  *memnet.Room
	sched *schedule.Manual
}

func newHarness() *harness {
	sched := schedule.NewManual(time.Unix(0, 0))
	return &harness{room: memnet.NewRoom(memnet.WithScheduler(sched)), sched: sched}
}

func (h *harness) join(t *testing.T, id replica.PeerID, cellOpts ...replica.Option) (*Queue, *recorder) {
	t.Helper()
	p, err := h.room.Join(id)
	if err != nil {
		t.Fatalf("Join(%s) failed: %v", id, err)
	}
	q, err := New(Options{CellOptions: append([]replica.Option{replica.WithScheduler(h.sched)}, cellOpts...)})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(q.Close)
	att, err := p.Attach(q.Cell())
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := q.Bind(att); err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	rec := &recorder{}
	if _, err := q.Register(rec.subscriber(), 0); err != nil {
		t.Fatal(err)
	}
	return q, rec
}

func titles(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Title
	}
	return out
}

func sameIDs(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func TestQueue_AddReplicates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, recA := h.join(t, "a")
	b, recB := h.join(t, "b")

	e1, err := a.Add(ctx, "https://example.com/1", "one")
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := a.Add(ctx, "https://example.com/2", "two"); err != nil {
		t.Fatal(err)
	}
	if e1.AddedBy != "a" || e1.ID == "" {
		t.Errorf("unexpected entry %+v", e1)
	}
	if recA.count(EventEntryAdded) != 2 || recA.length != 2 {
		t.Errorf("local listeners: added=%d length=%d", recA.count(EventEntryAdded), recA.length)
	}

	h.room.Flush(ctx)

	if !sameIDs(a.Entries(), b.Entries()) {
		t.Fatalf("queues diverged: %v vs %v", titles(a.Entries()), titles(b.Entries()))
	}
	if recB.count(EventEntryAdded) != 2 || recB.count(EventChanged) != 2 {
		t.Errorf("remote listeners: %v", recB.events)
	}
	if recB.length != 2 || recB.last.Title != "two" {
		t.Errorf("remote fields: length=%d last=%+v", recB.length, recB.last)
	}
	if b.Revision() != a.Revision() {
		t.Errorf("revisions differ: %v vs %v", b.Revision(), a.Revision())
	}
}

func TestQueue_NonOwnerAddTakesOwnership(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.join(t, "a")
	b, _ := h.join(t, "b")

	if _, err := a.Add(ctx, "u1", "one"); err != nil {
		t.Fatal(err)
	}
	h.room.Flush(ctx)

	if _, err := b.Add(ctx, "u2", "two"); err != nil {
		t.Fatalf("Add() on non-owner failed: %v", err)
	}
	if owner := h.room.Owner(CellName); owner != "b" {
		t.Errorf("owner = %s, want b", owner)
	}
	h.room.Flush(ctx)

	got := titles(a.Entries())
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("a = %v", got)
	}
}

func TestQueue_RemoveAndNext(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, rec := h.join(t, "a")
	b, _ := h.join(t, "b")

	e1, _ := a.Add(ctx, "u1", "one")
	e2, _ := a.Add(ctx, "u2", "two")
	a.Add(ctx, "u3", "three")

	if err := a.Remove(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := a.Remove(ctx, e2.ID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if rec.count(EventEntryRemoved) != 1 || rec.last.ID != e2.ID {
		t.Errorf("expected removal of %s, got %+v", e2.ID, rec.last)
	}

	head, err := a.Next(ctx)
	if err != nil || head.ID != e1.ID {
		t.Fatalf("Next() = %+v, %v", head, err)
	}
	h.room.Flush(ctx)

	got := titles(b.Entries())
	if len(got) != 1 || got[0] != "three" {
		t.Errorf("b = %v", got)
	}

	a.Next(ctx)
	if _, err := a.Next(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := a.Add(ctx, "", "nothing"); !errors.Is(err, ErrEmptyURL) {
		t.Errorf("expected ErrEmptyURL, got %v", err)
	}
}

func TestQueue_RollbackWhenNotOwner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.join(t, "a")
	b, rec := h.join(t, "b", replica.WithImplicitOwnership(false))

	_, err := b.Add(ctx, "u1", "one")
	if !errors.Is(err, replica.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("failed add should roll back, have %d entries", b.Len())
	}
	if rec.count(EventEntryAdded) != 0 {
		t.Error("listeners should not hear about a rolled back add")
	}
}

func TestQueue_StaleIsReported(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.join(t, "a")
	b, recB := h.join(t, "b")

	a.Add(ctx, "u1", "one")
	a.Add(ctx, "u2", "two")
	h.room.SetReorderFunc(func(batch []memnet.Delivery) {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	})
	h.room.Flush(ctx)

	if recB.count(EventStale) != 1 {
		t.Errorf("expected one stale event, got %v", recB.events)
	}
	if got := titles(b.Entries()); len(got) != 1 {
		t.Errorf("stale frame should still be installed, b = %v", got)
	}

	h.room.SetReorderFunc(nil)
	if err := a.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	h.room.Flush(ctx)
	if !sameIDs(a.Entries(), b.Entries()) {
		t.Errorf("next clean revision should converge, b = %v", titles(b.Entries()))
	}
}

func TestQueue_NewOwnerBehindStillConverges(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.join(t, "a")
	b, _ := h.join(t, "b")

	// b misses both of a's commits, then takes over with a lower count.
	h.room.SetDropFunc(func(d memnet.Delivery) bool { return d.To == "b" })
	a.Add(ctx, "u1", "one")
	a.Add(ctx, "u2", "two")
	h.room.Flush(ctx)
	h.room.SetDropFunc(nil)

	if _, err := b.Add(ctx, "u3", "three"); err != nil {
		t.Fatal(err)
	}
	h.room.Flush(ctx)

	if !sameIDs(a.Entries(), b.Entries()) {
		t.Errorf("a = %v, b = %v", titles(a.Entries()), titles(b.Entries()))
	}
}

func TestQueue_Attachable(t *testing.T) {
	h := newHarness()
	p, _ := h.room.Join("solo")
	q, err := New(Options{CellOptions: []replica.Option{replica.WithScheduler(h.sched)}})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	att, err := p.Attach(q.Attachable())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Attachable().Bind(att); err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	e, err := q.Add(context.Background(), "u1", "one")
	if err != nil || e.AddedBy != "solo" {
		t.Errorf("Add() = %+v, %v", e, err)
	}
}

func TestQueue_FailedSendRetries(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.join(t, "a")
	b, _ := h.join(t, "b")

	p, _ := h.room.Peer("a")
	p.FailNext(1)
	if _, err := a.Add(ctx, "u1", "one"); err != nil {
		t.Fatal(err)
	}
	h.room.Flush(ctx)
	if b.Len() != 0 {
		t.Fatal("failed send should not reach b")
	}

	h.sched.Advance(replica.DefaultRetryBackoff)
	h.room.Flush(ctx)
	if b.Len() != 1 {
		t.Errorf("retry should deliver, b has %d entries", b.Len())
	}
}

func TestQueue_LuaListener(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.join(t, "a")
	b, _ := h.join(t, "b")

	script, err := lua.LoadString(ctx, "titles", `
seen = ""
function queue_entryAdded() seen = seen .. queue_entry.Title .. ";" end
`)
	if err != nil {
		t.Fatal(err)
	}
	defer script.Close()
	if _, err := b.Register(script, 0); err != nil {
		t.Fatal(err)
	}

	a.Add(ctx, "u1", "one")
	a.Add(ctx, "u2", "two")
	h.room.Flush(ctx)

	if got := script.State().GetGlobal("seen").String(); got != "one;two;" {
		t.Errorf("seen = %q", got)
	}
	if got := script.State().GetGlobal("queue_length").String(); got != "2" {
		t.Errorf("queue_length = %q", got)
	}
}

func TestDiff(t *testing.T) {
	x, y, z := Entry{ID: "x"}, Entry{ID: "y"}, Entry{ID: "z"}
	added, removed := diff([]Entry{x, y}, []Entry{y, z})
	if len(added) != 1 || added[0].ID != "z" {
		t.Errorf("added = %v", added)
	}
	if len(removed) != 1 || removed[0].ID != "x" {
		t.Errorf("removed = %v", removed)
	}
}
