// Package queue is a shared media queue: a replicated list of entries whose
// changes are broadcast to prioritized listeners.
//
// Local mutations are published by taking ownership of the underlying
// cell and committing the whole list. Remote updates replace the local
// list and fire one event per added or removed entry, then queue.changed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/tvsync/internal/listener"
	"github.com/dshills/tvsync/internal/listener/dispatch"
	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/replica"
)

// CellName is the name the queue's cell is attached under.
const CellName = "media.queue"

// Events dispatched to queue listeners.
const (
	EventEntryAdded   listener.Event = "queue.entryAdded"
	EventEntryRemoved listener.Event = "queue.entryRemoved"
	EventChanged      listener.Event = "queue.changed"
	EventStale        listener.Event = "queue.stale"
)

// Variables assigned on queue listeners.
const (
	// FieldLength holds the number of entries after each change.
	FieldLength listener.Field = "queue.length"

	// FieldEntry holds the entry an entryAdded or entryRemoved event is
	// about.
	FieldEntry listener.Field = "queue.entry"
)

var (
	// ErrEmpty is returned by Next on an empty queue.
	ErrEmpty = errors.New("queue is empty")

	// ErrNotFound is returned when removing an unknown entry.
	ErrNotFound = errors.New("entry not found")

	// ErrEmptyURL is returned when adding an entry without a URL.
	ErrEmptyURL = errors.New("entry URL is empty")
)

// Entry is one queued media item.
type Entry struct {
	ID      string         `msgpack:"id"`
	URL     string         `msgpack:"url"`
	Title   string         `msgpack:"title"`
	AddedBy replica.PeerID `msgpack:"added_by"`
}

// Options configure a Queue.
type Options struct {
	Logger *logging.Logger

	// Cell options, such as the scheduler and retry backoff.
	CellOptions []replica.Option

	// Dispatcher options.
	ListenerOptions []listener.Option
}

// Queue is a replicated media queue.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	peer    replica.PeerID

	cell   *replica.Cell[[]Entry]
	events *listener.Dispatcher
	log    *logging.Logger
}

// New creates an unbound queue.
func New(opts Options) (*Queue, error) {
	q := &Queue{log: logging.OrNull(opts.Logger).WithComponent("queue")}

	lopts := append([]listener.Option{
		listener.WithName("queue"),
		listener.WithLogger(opts.Logger),
	}, opts.ListenerOptions...)
	q.events = listener.New(lopts...)

	cell, err := replica.NewCell[[]Entry](CellName, hooks{q}, append([]replica.Option{
		replica.WithLogger(opts.Logger),
	}, opts.CellOptions...)...)
	if err != nil {
		return nil, err
	}
	q.cell = cell
	return q, nil
}

// Cell returns the replicated cell, for attaching it to a network.
func (q *Queue) Cell() *replica.Cell[[]Entry] {
	return q.cell
}

// Attachable is the queue's cell as seen by transports that bind the cells
// they attach. Binding it binds the queue.
type Attachable struct {
	*replica.Cell[[]Entry]
	q *Queue
}

// Bind binds the queue to t.
func (a Attachable) Bind(t replica.Transport) error {
	return a.q.Bind(t)
}

// Attachable returns the cell wrapped for such transports.
func (q *Queue) Attachable() Attachable {
	return Attachable{Cell: q.cell, q: q}
}

// Bind attaches the transport. Entries added afterwards are tagged with
// the transport's local peer.
func (q *Queue) Bind(t replica.Transport) error {
	if err := q.cell.Bind(t); err != nil {
		return err
	}
	q.mu.Lock()
	q.peer = t.LocalPeer()
	q.mu.Unlock()
	q.log = q.log.WithField("peer", t.LocalPeer())
	return nil
}

// Register adds a queue listener.
func (q *Queue) Register(sub listener.Subscriber, priority listener.Priority) (listener.Handle, error) {
	return q.events.Register(sub, priority)
}

// Listeners returns the dispatcher, for enabling, disabling and reordering
// listeners.
func (q *Queue) Listeners() *listener.Dispatcher {
	return q.events
}

// Start broadcasts the ready event to listeners registered so far.
func (q *Queue) Start(ctx context.Context) {
	q.report(q.events.Start(ctx))
}

// Entries returns a copy of the queue.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Revision returns the revision of the queue's cell.
func (q *Queue) Revision() replica.Revision {
	return q.cell.Revision()
}

// Add appends an entry and publishes the queue.
func (q *Queue) Add(ctx context.Context, url, title string) (Entry, error) {
	if url == "" {
		return Entry{}, ErrEmptyURL
	}
	q.mu.Lock()
	e := Entry{ID: uuid.NewString(), URL: url, Title: title, AddedBy: q.peer}
	prev := q.entries
	q.entries = append(append([]Entry(nil), prev...), e)
	q.mu.Unlock()

	if err := q.publish(ctx, prev); err != nil {
		return Entry{}, err
	}
	q.log.Debug("added %s %q", e.ID, e.URL)
	q.notify(ctx, []Entry{e}, nil)
	return e, nil
}

// Remove deletes the entry with the given ID and publishes the queue.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	idx := indexOf(q.entries, id)
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	prev := q.entries
	removed := prev[idx]
	q.entries = append(append([]Entry(nil), prev[:idx]...), prev[idx+1:]...)
	q.mu.Unlock()

	if err := q.publish(ctx, prev); err != nil {
		return err
	}
	q.notify(ctx, nil, []Entry{removed})
	return nil
}

// Next pops the head of the queue and publishes the rest.
func (q *Queue) Next(ctx context.Context) (Entry, error) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return Entry{}, ErrEmpty
	}
	prev := q.entries
	head := prev[0]
	q.entries = append([]Entry(nil), prev[1:]...)
	q.mu.Unlock()

	if err := q.publish(ctx, prev); err != nil {
		return Entry{}, err
	}
	q.notify(ctx, nil, []Entry{head})
	return head, nil
}

// Sync republishes the queue as it is, taking ownership if needed.
func (q *Queue) Sync(ctx context.Context) error {
	return q.cell.RequestData(ctx)
}

// publish commits the current entries. If the commit cannot be started
// the list is rolled back to prev.
func (q *Queue) publish(ctx context.Context, prev []Entry) error {
	if err := q.cell.RequestData(ctx); err != nil {
		q.mu.Lock()
		q.entries = prev
		q.mu.Unlock()
		q.log.Warn("publish failed: %v", err)
		return err
	}
	return nil
}

// notify dispatches entry events followed by the length and change
// notifications.
func (q *Queue) notify(ctx context.Context, added, removed []Entry) {
	for _, e := range removed {
		q.report(q.events.DispatchVariable(ctx, FieldEntry, e))
		q.report(q.events.DispatchEvent(ctx, EventEntryRemoved))
	}
	for _, e := range added {
		q.report(q.events.DispatchVariable(ctx, FieldEntry, e))
		q.report(q.events.DispatchEvent(ctx, EventEntryAdded))
	}
	q.report(q.events.DispatchVariable(ctx, FieldLength, q.Len()))
	q.report(q.events.DispatchEvent(ctx, EventChanged))
}

func (q *Queue) report(results []dispatch.Result) {
	for _, r := range results {
		if r.IsError() {
			q.log.Warn("listener %v: %v", r.Target, r.Error)
		}
	}
}

// replace installs a received list and notifies listeners of the
// difference.
func (q *Queue) replace(ctx context.Context, payload []Entry, rev replica.Revision) {
	q.mu.Lock()
	prev := q.entries
	q.entries = append([]Entry(nil), payload...)
	q.mu.Unlock()

	if sameOrder(prev, payload) {
		q.log.Trace("revision %v changed nothing", rev)
		return
	}
	added, removed := diff(prev, payload)
	q.log.Debug("applied %v: +%d -%d", rev, len(added), len(removed))
	q.notify(ctx, added, removed)
}

// Close stops retries and releases listeners.
func (q *Queue) Close() {
	q.cell.Close()
	q.events.Close()
}

func indexOf(entries []Entry, id string) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// diff returns the entries of next missing from prev and the entries of
// prev missing from next.
func diff(prev, next []Entry) (added, removed []Entry) {
	seen := make(map[string]bool, len(prev))
	for _, e := range prev {
		seen[e.ID] = true
	}
	kept := make(map[string]bool, len(next))
	for _, e := range next {
		kept[e.ID] = true
		if !seen[e.ID] {
			added = append(added, e)
		}
	}
	for _, e := range prev {
		if !kept[e.ID] {
			removed = append(removed, e)
		}
	}
	return added, removed
}

func sameOrder(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hooks is the cell side of a Queue.
type hooks struct {
	q *Queue
}

func (h hooks) CaptureOutgoing(ctx context.Context) ([]Entry, error) {
	return h.q.Entries(), nil
}

func (h hooks) OnDeliveryAck(ctx context.Context, rev replica.Revision) {
	h.q.log.Trace("delivered %v", rev)
}

func (h hooks) ApplyIncoming(ctx context.Context, payload []Entry, rev replica.Revision) error {
	h.q.replace(ctx, payload, rev)
	return nil
}

// OnStaleIncoming reports the stale revision and still installs it. A new
// owner that missed earlier commits publishes under a lower count.
func (h hooks) OnStaleIncoming(ctx context.Context, payload []Entry, rev replica.Revision) error {
	h.q.log.Debug("stale %v", rev)
	h.q.report(h.q.events.DispatchEvent(ctx, EventStale))
	h.q.replace(ctx, payload, rev)
	return nil
}
