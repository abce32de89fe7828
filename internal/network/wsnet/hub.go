// Package wsnet carries replicated cells over websockets.
//
// A Hub is the session server: it assigns peer IDs, tracks cell owners and
// relays sync frames from the owner to the other members of a cell. It
// stamps every relayed frame with its clock, acknowledges the sender and
// keeps the last sync of each cell for peers that attach late.
//
// Ownership changes go through the current owner: the hub forwards the
// request, the owner's cell accepts or rejects it first-come-first-served,
// and the hub announces the new owner to every member.
//
// A Client dials a hub and exposes each attached cell as a
// replica.Transport.
package wsnet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/replica/wire"
	"github.com/dshills/tvsync/internal/schedule"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// HubStats contains hub counters.
type HubStats struct {
	Sessions         int
	Relayed          uint64
	Acked            uint64
	Nacked           uint64
	OwnershipChanges uint64
	OwnershipDenied  uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *logging.Logger) HubOption {
	return func(h *Hub) {
		h.log = logging.OrNull(l).WithComponent("hub")
	}
}

// WithHubScheduler sets the clock used for server time.
func WithHubScheduler(s schedule.Scheduler) HubOption {
	return func(h *Hub) {
		if s != nil {
			h.sched = s
		}
	}
}

// Hub relays frames between connected peers. It implements http.Handler.
type Hub struct {
	mu       sync.Mutex
	log      *logging.Logger
	sched    schedule.Scheduler
	start    time.Time
	sessions map[replica.PeerID]*session
	cells    map[string]*hubCell
	stats    HubStats
}

type hubCell struct {
	owner   replica.PeerID
	members []replica.PeerID
	last    *wire.Frame

	// Requesters whose requests were forwarded to the owner and not yet
	// answered.
	forwarded map[replica.PeerID]bool
}

func (hc *hubCell) has(id replica.PeerID) bool {
	for _, m := range hc.members {
		if m == id {
			return true
		}
	}
	return false
}

type session struct {
	id   replica.PeerID
	conn *websocket.Conn
	wmu  sync.Mutex
}

// send encodes and writes a frame under the session write lock.
func (s *session) send(ctx context.Context, f wire.Frame) error {
	return writeFrame(ctx, s.conn, &s.wmu, f)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, f wire.Frame) error {
	b, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, b)
}

// NewHub creates a hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		log:      logging.Null(),
		sched:    schedule.Real{},
		sessions: make(map[replica.PeerID]*session),
		cells:    make(map[string]*hubCell),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.start = h.sched.Now()
	return h
}

// ServerTime returns seconds elapsed on the hub clock.
func (h *Hub) ServerTime() float64 {
	return h.sched.Now().Sub(h.start).Seconds()
}

// Owner returns the owner of a cell.
func (h *Hub) Owner(cell string) replica.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hc, ok := h.cells[cell]; ok {
		return hc.owner
	}
	return ""
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Sessions = len(h.sessions)
	return st
}

// ServeHTTP upgrades the connection and serves the peer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("accept %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(readLimit)
	ctx := r.Context()

	sess, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.Warn("handshake %s: %v", r.RemoteAddr, err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer h.leave(sess)

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.log.Debug("peer %s read: %v", sess.id, err)
			}
			return
		}
		f, err := wire.DecodeFrame(b)
		if err != nil {
			h.log.Warn("peer %s sent bad frame: %v", sess.id, err)
			continue
		}
		f.From = string(sess.id)
		h.handle(ctx, sess, f)
	}
}

func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*session, error) {
	_, b, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, err := wire.DecodeFrame(b)
	if err != nil || f.Kind != wire.KindHello {
		return nil, ErrHandshake
	}

	id := replica.PeerID(f.From)
	if id == "" {
		id = replica.PeerID(uuid.NewString())
	}

	h.mu.Lock()
	if _, ok := h.sessions[id]; ok {
		h.mu.Unlock()
		return nil, ErrDuplicatePeer
	}
	sess := &session{id: id, conn: conn}
	h.sessions[id] = sess
	h.mu.Unlock()

	if err := sess.send(ctx, wire.Frame{Kind: wire.KindHello, From: string(id), ServerTime: h.ServerTime()}); err != nil {
		h.leave(sess)
		return nil, err
	}
	h.log.Info("peer %s connected", id)
	return sess, nil
}

func (h *Hub) handle(ctx context.Context, sess *session, f wire.Frame) {
	// Relays must outlive the sender's request.
	ctx = context.WithoutCancel(ctx)

	switch f.Kind {
	case wire.KindAttach:
		h.attach(ctx, sess, f)
	case wire.KindSync:
		h.sync(ctx, sess, f)
	case wire.KindOwnershipRequest:
		h.ownershipRequest(ctx, sess, f)
	case wire.KindOwnershipTransferred:
		h.ownershipGranted(ctx, sess, f)
	case wire.KindOwnershipDenied:
		h.ownershipDenied(ctx, sess, f)
	default:
		h.log.Warn("peer %s sent unexpected %v", sess.id, f.Kind)
	}
}

func (h *Hub) attach(ctx context.Context, sess *session, f wire.Frame) {
	h.mu.Lock()
	hc, ok := h.cells[f.Cell]
	if !ok {
		hc = &hubCell{}
		h.cells[f.Cell] = hc
	}
	if !hc.has(sess.id) {
		hc.members = append(hc.members, sess.id)
	}
	if hc.owner == "" {
		hc.owner = sess.id
	}
	owner := hc.owner
	last := hc.last
	h.mu.Unlock()

	h.log.Debug("peer %s attached %s, owner %s", sess.id, f.Cell, owner)
	if err := sess.send(ctx, wire.Frame{Kind: wire.KindAttach, Cell: f.Cell, Owner: string(owner), ServerTime: h.ServerTime()}); err != nil {
		h.log.Warn("attach reply to %s: %v", sess.id, err)
		return
	}
	if last != nil && owner != sess.id {
		if err := sess.send(ctx, *last); err != nil {
			h.log.Warn("late sync to %s: %v", sess.id, err)
		}
	}
}

func (h *Hub) sync(ctx context.Context, sess *session, f wire.Frame) {
	h.mu.Lock()
	hc, ok := h.cells[f.Cell]
	if !ok || hc.owner != sess.id {
		h.stats.Nacked++
		h.mu.Unlock()
		h.log.Debug("nack %s r%d from non-owner %s", f.Cell, f.Count, sess.id)
		if err := sess.send(ctx, wire.Frame{Kind: wire.KindNack, Cell: f.Cell, Seq: f.Seq}); err != nil {
			h.log.Warn("nack to %s: %v", sess.id, err)
		}
		return
	}

	f.ServerTime = h.ServerTime()
	last := f
	hc.last = &last
	targets := h.sessionsLocked(hc.members, sess.id)
	h.stats.Relayed++
	h.stats.Acked++
	h.mu.Unlock()

	for _, t := range targets {
		if err := t.send(ctx, f); err != nil {
			h.log.Warn("relay %s to %s: %v", f.Cell, t.id, err)
		}
	}
	ack := wire.Frame{Kind: wire.KindAck, Cell: f.Cell, Seq: f.Seq, Count: f.Count, Time: f.Time, ServerTime: f.ServerTime}
	if err := sess.send(ctx, ack); err != nil {
		h.log.Warn("ack to %s: %v", sess.id, err)
	}
	h.log.Trace("relayed %s r%d from %s to %d peers", f.Cell, f.Count, sess.id, len(targets))
}

func (h *Hub) ownershipRequest(ctx context.Context, sess *session, f wire.Frame) {
	h.mu.Lock()
	hc, ok := h.cells[f.Cell]
	if !ok || !hc.has(sess.id) {
		h.stats.OwnershipDenied++
		h.mu.Unlock()
		if err := sess.send(ctx, wire.Frame{Kind: wire.KindOwnershipDenied, Cell: f.Cell, Owner: string(sess.id)}); err != nil {
			h.log.Warn("deny ownership of %s to %s: %v", f.Cell, sess.id, err)
		}
		return
	}
	if hc.owner == sess.id {
		h.mu.Unlock()
		if err := sess.send(ctx, wire.Frame{Kind: wire.KindOwnershipTransferred, Cell: f.Cell, Owner: string(sess.id)}); err != nil {
			h.log.Warn("confirm owner of %s to %s: %v", f.Cell, sess.id, err)
		}
		return
	}
	owner, online := h.sessions[hc.owner]
	if !online {
		targets := h.transferLocked(f.Cell, hc, sess.id)
		h.mu.Unlock()
		h.announce(ctx, f.Cell, sess.id, targets)
		return
	}
	if hc.forwarded == nil {
		hc.forwarded = make(map[replica.PeerID]bool)
	}
	hc.forwarded[sess.id] = true
	h.mu.Unlock()

	fwd := wire.Frame{Kind: wire.KindOwnershipRequest, Cell: f.Cell, From: string(sess.id)}
	if err := owner.send(ctx, fwd); err != nil {
		h.log.Warn("forward ownership request to %s: %v", owner.id, err)
	}
}

// ownershipGranted handles the owner's acceptance of a forwarded request.
// A grant that can no longer be honored, because the requester left or
// the owner changed, is answered with the current owner so the granting
// cell ends its transfer.
func (h *Hub) ownershipGranted(ctx context.Context, sess *session, f wire.Frame) {
	to := replica.PeerID(f.Owner)

	h.mu.Lock()
	hc, ok := h.cells[f.Cell]
	if !ok {
		h.mu.Unlock()
		h.log.Debug("ignoring grant of unknown %s from %s", f.Cell, sess.id)
		return
	}
	delete(hc.forwarded, to)
	if hc.owner != sess.id || !hc.has(to) {
		owner := hc.owner
		h.mu.Unlock()
		h.log.Debug("dropping grant of %s from %s to %s, owner stays %s", f.Cell, sess.id, to, owner)
		h.restate(ctx, f.Cell, owner, sess)
		return
	}
	targets := h.transferLocked(f.Cell, hc, to)
	h.mu.Unlock()

	h.announce(ctx, f.Cell, to, targets)
}

func (h *Hub) ownershipDenied(ctx context.Context, sess *session, f wire.Frame) {
	h.mu.Lock()
	h.stats.OwnershipDenied++
	if hc, ok := h.cells[f.Cell]; ok {
		delete(hc.forwarded, replica.PeerID(f.Owner))
	}
	requester, ok := h.sessions[replica.PeerID(f.Owner)]
	h.mu.Unlock()

	h.log.Debug("owner %s denied %s to %s", sess.id, f.Cell, f.Owner)
	if !ok {
		return
	}
	if err := requester.send(ctx, wire.Frame{Kind: wire.KindOwnershipDenied, Cell: f.Cell, Owner: f.Owner}); err != nil {
		h.log.Warn("relay denial of %s to %s: %v", f.Cell, requester.id, err)
	}
}

// restate tells one session who owns a cell, ending any transfer its cell
// has accepted.
func (h *Hub) restate(ctx context.Context, cell string, owner replica.PeerID, to *session) {
	f := wire.Frame{Kind: wire.KindOwnershipTransferred, Cell: cell, Owner: string(owner), ServerTime: h.ServerTime()}
	if err := to.send(ctx, f); err != nil {
		h.log.Warn("restate owner of %s to %s: %v", cell, to.id, err)
	}
}

func (h *Hub) transferLocked(cell string, hc *hubCell, to replica.PeerID) []*session {
	hc.owner = to
	hc.forwarded = nil
	h.stats.OwnershipChanges++
	h.log.Debug("cell %s owner -> %s", cell, to)
	return h.sessionsLocked(hc.members, "")
}

func (h *Hub) announce(ctx context.Context, cell string, owner replica.PeerID, targets []*session) {
	f := wire.Frame{Kind: wire.KindOwnershipTransferred, Cell: cell, Owner: string(owner), ServerTime: h.ServerTime()}
	for _, t := range targets {
		if err := t.send(ctx, f); err != nil {
			h.log.Warn("announce owner of %s to %s: %v", cell, t.id, err)
		}
	}
}

func (h *Hub) sessionsLocked(ids []replica.PeerID, skip replica.PeerID) []*session {
	out := make([]*session, 0, len(ids))
	for _, id := range ids {
		if id == skip {
			continue
		}
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// leave removes a session. Cells it owned pass to their earliest
// remaining member, and owners holding a request forwarded for it are told
// the transfer is off.
func (h *Hub) leave(sess *session) {
	type handoff struct {
		cell    string
		owner   replica.PeerID
		targets []*session
	}
	type cancel struct {
		cell  string
		owner *session
	}
	var handoffs []handoff
	var cancels []cancel

	h.mu.Lock()
	if h.sessions[sess.id] != sess {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sess.id)
	for name, hc := range h.cells {
		for i, m := range hc.members {
			if m == sess.id {
				hc.members = append(hc.members[:i], hc.members[i+1:]...)
				break
			}
		}
		if len(hc.members) == 0 {
			delete(h.cells, name)
			continue
		}
		if hc.owner == sess.id {
			targets := h.transferLocked(name, hc, hc.members[0])
			handoffs = append(handoffs, handoff{cell: name, owner: hc.owner, targets: targets})
			continue
		}
		if hc.forwarded[sess.id] {
			delete(hc.forwarded, sess.id)
			if owner, ok := h.sessions[hc.owner]; ok {
				cancels = append(cancels, cancel{cell: name, owner: owner})
			}
		}
	}
	h.mu.Unlock()

	h.log.Info("peer %s disconnected", sess.id)
	ctx := context.Background()
	for _, ho := range handoffs {
		h.announce(ctx, ho.cell, ho.owner, ho.targets)
	}
	for _, c := range cancels {
		h.restate(ctx, c.cell, c.owner.id, c.owner)
	}
}
