package wsnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/replica/wire"
	"github.com/dshills/tvsync/internal/schedule"
)

// DefaultRequestTimeout bounds attach and ownership round trips.
const DefaultRequestTimeout = 5 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.log = logging.OrNull(l).WithComponent("wsclient")
	}
}

// WithClientScheduler sets the local clock used to track server time.
func WithClientScheduler(s schedule.Scheduler) ClientOption {
	return func(c *Client) {
		if s != nil {
			c.sched = s
		}
	}
}

// WithRequestTimeout sets the attach and ownership round-trip timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client is a peer connected to a Hub.
//
// A reader goroutine routes ownership answers straight to waiting callers
// and queues every other frame for a worker goroutine, which is the only
// place replicator callbacks run. A callback may therefore block on an
// ownership round trip without stalling the reader.
type Client struct {
	conn    *websocket.Conn
	wmu     sync.Mutex
	log     *logging.Logger
	sched   schedule.Scheduler
	timeout time.Duration

	id     replica.PeerID
	start  time.Time
	offset float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	attachments map[string]*Attachment
	waiters     map[string]chan error
	seq         uint64
	inbox       []wire.Frame
	signal      chan struct{}
	err         error
	closed      bool
}

// Dial connects to a hub at url (ws:// or wss://) as id. An empty id lets
// the hub assign one.
func Dial(ctx context.Context, url string, id replica.PeerID, opts ...ClientOption) (*Client, error) {
	c := &Client{
		log:         logging.Null(),
		sched:       schedule.Real{},
		timeout:     DefaultRequestTimeout,
		attachments: make(map[string]*Attachment),
		waiters:     make(map[string]chan error),
		signal:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn

	if err := c.hello(ctx, id); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go c.readLoop()
	go c.workLoop()
	c.log.Info("connected to %s as %s", url, c.id)
	return c, nil
}

func (c *Client) hello(ctx context.Context, id replica.PeerID) error {
	if err := c.send(ctx, wire.Frame{Kind: wire.KindHello, From: string(id)}); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, err := wire.DecodeFrame(b)
	if err != nil || f.Kind != wire.KindHello || f.From == "" {
		return ErrHandshake
	}
	c.id = replica.PeerID(f.From)
	c.start = c.sched.Now()
	c.offset = f.ServerTime
	c.log = c.log.WithField("peer", c.id)
	return nil
}

// ID returns the peer ID assigned by the hub.
func (c *Client) ID() replica.PeerID {
	return c.id
}

// ServerTime returns the estimated hub clock in seconds.
func (c *Client) ServerTime() float64 {
	return c.offset + c.sched.Now().Sub(c.start).Seconds()
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the client stops, either through Close or because
// the connection failed.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Cell is a replicator that can be bound to a transport, such as
// *replica.Cell.
type Cell interface {
	replica.Replicator
	Bind(t replica.Transport) error
}

// Attach binds cell to a new attachment, registers it with the hub and
// waits for the current owner. Binding happens before the hub can send
// the cell anything, so a late-join sync is never lost.
func (c *Client) Attach(ctx context.Context, cell Cell) (*Attachment, error) {
	name := cell.Name()

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	if _, ok := c.attachments[name]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	a := &Attachment{client: c, rep: cell, cell: name, ready: make(chan struct{})}
	if err := cell.Bind(a); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	c.attachments[name] = a
	c.mu.Unlock()

	if err := c.send(ctx, wire.Frame{Kind: wire.KindAttach, Cell: name}); err != nil {
		c.detach(name)
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case <-a.ready:
		return a, nil
	case <-c.ctx.Done():
		c.detach(name)
		return nil, ErrClientClosed
	case <-ctx.Done():
		c.detach(name)
		return nil, fmt.Errorf("attach %s: %w", name, ctx.Err())
	}
}

func (c *Client) detach(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attachments, name)
}

// Close disconnects from the hub and stops the client goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.err == nil {
		c.err = ErrClientClosed
	}
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	c.wg.Wait()
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		c.log.Debug("close: %v", err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(ctx context.Context, f wire.Frame) error {
	return writeFrame(ctx, c.conn, &c.wmu, f)
}

func (c *Client) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	for cell, w := range c.waiters {
		w <- ErrClientClosed
		delete(c.waiters, cell)
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, b, err := c.conn.Read(c.ctx)
		if err != nil {
			if !c.isClosed() && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.log.Warn("read: %v", err)
			}
			c.fail(err)
			return
		}
		f, err := wire.DecodeFrame(b)
		if err != nil {
			c.log.Warn("bad frame: %v", err)
			continue
		}
		c.route(f)
	}
}

// route settles waiters and owner views, then queues the frame for the
// worker.
func (c *Client) route(f wire.Frame) {
	c.mu.Lock()
	a := c.attachments[f.Cell]
	switch f.Kind {
	case wire.KindAttach:
		if a != nil {
			a.owner = replica.PeerID(f.Owner)
			a.readyOnce.Do(func() { close(a.ready) })
		}
		c.mu.Unlock()
		return
	case wire.KindOwnershipTransferred:
		if a != nil {
			a.owner = replica.PeerID(f.Owner)
		}
		if replica.PeerID(f.Owner) == c.id {
			c.settleLocked(f.Cell, nil)
		}
	case wire.KindOwnershipDenied:
		c.settleLocked(f.Cell, ErrOwnershipDenied)
		c.mu.Unlock()
		return
	}
	c.inbox = append(c.inbox, f)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Client) settleLocked(cell string, err error) {
	if w, ok := c.waiters[cell]; ok {
		w <- err
		delete(c.waiters, cell)
	}
}

func (c *Client) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.signal:
		}

		c.mu.Lock()
		batch := c.inbox
		c.inbox = nil
		c.mu.Unlock()

		for _, f := range batch {
			c.apply(f)
		}
	}
}

func (c *Client) apply(f wire.Frame) {
	c.mu.Lock()
	a := c.attachments[f.Cell]
	c.mu.Unlock()
	if a == nil {
		c.log.Debug("frame %v for unattached cell %s", f.Kind, f.Cell)
		return
	}

	ctx := c.ctx
	switch f.Kind {
	case wire.KindSync:
		rev := replica.Revision{Count: f.Count, Time: f.Time}
		if _, err := a.rep.ReceiveFrame(ctx, rev, f.Payload); err != nil {
			c.log.Warn("receive %s %v: %v", f.Cell, rev, err)
		}
	case wire.KindAck:
		a.rep.OnCommitResult(ctx, true)
	case wire.KindNack:
		a.rep.OnCommitResult(ctx, false)
	case wire.KindOwnershipTransferred:
		if err := a.rep.OwnershipTransferred(ctx, replica.PeerID(f.Owner)); err != nil {
			c.log.Warn("ownership of %s: %v", f.Cell, err)
		}
	case wire.KindOwnershipRequest:
		requester := replica.PeerID(f.From)
		kind := wire.KindOwnershipDenied
		if a.rep.OwnershipRequest(requester, requester) {
			kind = wire.KindOwnershipTransferred
		}
		if err := c.send(ctx, wire.Frame{Kind: kind, Cell: f.Cell, Owner: f.From}); err != nil {
			c.log.Warn("answer ownership request of %s: %v", f.Cell, err)
		}
	}
}

// Attachment is one cell of a client. It implements replica.Transport.
type Attachment struct {
	client    *Client
	rep       replica.Replicator
	cell      string
	owner     replica.PeerID
	ready     chan struct{}
	readyOnce sync.Once
}

var _ replica.Transport = (*Attachment)(nil)

// LocalPeer implements replica.Transport.
func (a *Attachment) LocalPeer() replica.PeerID {
	return a.client.id
}

// Owner implements replica.Transport.
func (a *Attachment) Owner() replica.PeerID {
	a.client.mu.Lock()
	defer a.client.mu.Unlock()
	return a.owner
}

// ServerTime implements replica.Transport.
func (a *Attachment) ServerTime() float64 {
	return a.client.ServerTime()
}

// RequestSerialization commits the cell and sends the sync frame. The hub
// answers with an ack or nack, which reaches the replicator through
// OnCommitResult. A failed write is reported as a failed commit at once.
func (a *Attachment) RequestSerialization(ctx context.Context) error {
	c := a.client
	if err := c.Err(); err != nil {
		return err
	}
	if a.Owner() != c.id {
		return ErrNotOwner
	}

	rev, payload, err := a.rep.CommitFrame(ctx)
	if err != nil {
		a.rep.OnCommitResult(ctx, false)
		return fmt.Errorf("commit %s: %w", a.cell, err)
	}

	f := wire.Frame{
		Kind:    wire.KindSync,
		Cell:    a.cell,
		Seq:     c.nextSeq(),
		Count:   rev.Count,
		Time:    rev.Time,
		Payload: payload,
	}
	if err := c.send(ctx, f); err != nil {
		a.rep.OnCommitResult(ctx, false)
		return fmt.Errorf("send %s %v: %w", a.cell, rev, err)
	}
	return nil
}

// SendOwnershipRequest asks the hub for ownership and waits until the hub
// announces this peer as owner or the request is denied.
func (a *Attachment) SendOwnershipRequest(ctx context.Context) error {
	c := a.client
	if a.Owner() == c.id {
		return nil
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	if _, ok := c.waiters[a.cell]; ok {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	w := make(chan error, 1)
	c.waiters[a.cell] = w
	c.mu.Unlock()

	if err := c.send(ctx, wire.Frame{Kind: wire.KindOwnershipRequest, Cell: a.cell}); err != nil {
		c.mu.Lock()
		delete(c.waiters, a.cell)
		c.mu.Unlock()
		return fmt.Errorf("ownership request for %s: %w", a.cell, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiters[a.cell] == w {
			delete(c.waiters, a.cell)
		}
		c.mu.Unlock()
		return fmt.Errorf("ownership request for %s: %w", a.cell, ctx.Err())
	}
}
