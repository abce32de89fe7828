package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/replica/wire"
	"github.com/dshills/tvsync/internal/schedule"
)

// Cell is a single-writer replicated value versioned by a Revision.
//
// One peer owns the cell at a time. The owner commits by bumping the
// revision and publishing a payload; every peer compares received
// revisions against its local watermark to tell stale packets, commit
// races and clean updates apart. Failed or raced commits are resent after
// a flat backoff.
//
// Hooks are called without the cell lock held, so they may call back into
// the cell.
type Cell[T any] struct {
	mu sync.Mutex

	name              string
	hooks             Hooks[T]
	transport         Transport
	sched             schedule.Scheduler
	log               *logging.Logger
	backoff           time.Duration
	implicitOwnership bool

	revision Revision
	local    Revision
	expected Revision

	ownershipTransferInProgress bool
	pendingResync               bool
	isRetrying                  bool
	phase                       Phase
	retryTimer                  schedule.Timer
	closed                      bool

	stats Stats
}

// NewCell creates an unbound cell. Bind must be called before use.
func NewCell[T any](name string, hooks Hooks[T], opts ...Option) (*Cell[T], error) {
	if hooks == nil {
		return nil, ErrNilHooks
	}
	cfg := defaultCellConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cell[T]{
		name:              name,
		hooks:             hooks,
		sched:             cfg.scheduler,
		log:               logging.OrNull(cfg.logger).WithComponent("replica").WithField("cell", name),
		backoff:           cfg.backoff,
		implicitOwnership: cfg.implicitOwnership,
	}, nil
}

// Bind attaches the transport.
func (c *Cell[T]) Bind(t Transport) error {
	if t == nil {
		return ErrNotInitialized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return ErrAlreadyBound
	}
	c.transport = t
	c.log = c.log.WithField("peer", t.LocalPeer())
	return nil
}

// Name returns the cell name.
func (c *Cell[T]) Name() string {
	return c.name
}

// boundTransport returns the transport or the usage error that applies.
func (c *Cell[T]) boundTransport() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.transport == nil:
		c.log.Error("operation before transport bound")
		return nil, ErrNotInitialized
	}
	return c.transport, nil
}

// OnCommitBegin starts a commit: it bumps the revision, stamps it with the
// server time, records it as the expected revision and captures the
// outgoing payload. It is the only place the counter is incremented.
func (c *Cell[T]) OnCommitBegin(ctx context.Context) (Revision, T, error) {
	var zero T
	t, err := c.boundTransport()
	if err != nil {
		return Revision{}, zero, err
	}
	now := t.ServerTime()

	c.mu.Lock()
	c.revision.Count++
	c.revision.Time = now
	c.expected = c.revision
	c.pendingResync = true
	c.phase = PhaseCommitting
	c.stats.Commits++
	rev := c.revision
	c.mu.Unlock()

	c.log.Debug("commit begin %v", rev)

	payload, err := c.hooks.CaptureOutgoing(ctx)
	if err != nil {
		return rev, zero, fmt.Errorf("capture %s %v: %w", c.name, rev, err)
	}
	return rev, payload, nil
}

// OnCommitResult records the transport outcome of the last commit. A
// success acknowledges the commit and advances the watermark; a failure
// schedules a resend after the backoff. A success also clears the pending
// resync flag, which marks a commit that is still unacknowledged.
func (c *Cell[T]) OnCommitResult(ctx context.Context, success bool) {
	c.mu.Lock()
	if !success {
		c.isRetrying = true
		c.phase = PhaseRetrying
		c.stats.Failed++
		scheduled := c.scheduleRetryLocked()
		rev := c.revision
		c.mu.Unlock()
		c.log.Warn("commit %v failed, retry scheduled=%t", rev, scheduled)
		return
	}

	c.isRetrying = false
	c.pendingResync = false
	if c.revision.After(c.local) {
		c.local = c.revision
	}
	c.phase = PhaseDelivered
	c.stats.Delivered++
	rev := c.revision
	c.mu.Unlock()

	c.log.Debug("commit %v delivered", rev)
	c.hooks.OnDeliveryAck(ctx, rev)

	c.mu.Lock()
	if c.phase == PhaseDelivered {
		c.phase = PhaseIdle
	}
	c.mu.Unlock()
}

// OnReceive processes a revision published by the owner.
//
// A revision behind the local watermark is routed to the stale handler
// and leaves the watermark untouched. Otherwise, if a local commit is
// pending and the revision is not the one this peer expects, a resend is
// scheduled. In both non-stale cases the watermark advances to the
// received revision and the payload is applied.
func (c *Cell[T]) OnReceive(ctx context.Context, rev Revision, payload T) (Outcome, error) {
	if _, err := c.boundTransport(); err != nil {
		return OutcomeStale, err
	}

	c.mu.Lock()
	c.stats.Received++
	if rev.Behind(c.local) {
		c.stats.Stale++
		local := c.local
		c.mu.Unlock()

		c.log.Debug("stale revision %v behind watermark %v", rev, local)
		if sh, ok := c.hooks.(StaleHandler[T]); ok {
			return OutcomeStale, sh.OnStaleIncoming(ctx, payload, rev)
		}
		return OutcomeStale, c.hooks.ApplyIncoming(ctx, payload, rev)
	}

	outcome := OutcomeApplied
	expected := c.expected
	if c.pendingResync && rev != c.expected {
		c.isRetrying = true
		c.phase = PhaseRetrying
		c.stats.Races++
		c.scheduleRetryLocked()
		outcome = OutcomeRace
	} else {
		c.pendingResync = false
	}

	c.local = rev
	if rev.After(c.revision) {
		c.revision = rev
	}
	c.mu.Unlock()

	if outcome == OutcomeRace {
		c.log.Warn("revision %v raced pending commit %v, resend scheduled", rev, expected)
	} else {
		c.log.Debug("applied revision %v", rev)
	}
	return outcome, c.hooks.ApplyIncoming(ctx, payload, rev)
}

// scheduleRetryLocked arms the retry timer unless one is already pending.
func (c *Cell[T]) scheduleRetryLocked() bool {
	if c.retryTimer != nil || c.closed {
		return false
	}
	c.stats.RetriesScheduled++
	c.retryTimer = c.sched.AfterFunc(c.backoff, c.fireRetry)
	return true
}

func (c *Cell[T]) fireRetry() {
	c.mu.Lock()
	c.retryTimer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.RequestData(context.Background()); err != nil {
		c.log.Warn("retry request failed: %v", err)
	}
}

// RequestData forces a fresh commit. A peer that is not the owner takes
// ownership first, unless implicit ownership is disabled, in which case
// ErrNotOwner is returned and nothing is sent.
func (c *Cell[T]) RequestData(ctx context.Context) error {
	t, err := c.boundTransport()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.DataRequests++
	implicit := c.implicitOwnership
	c.mu.Unlock()

	if t.Owner() != t.LocalPeer() {
		if !implicit {
			c.log.Debug("request data skipped, owner is %s", t.Owner())
			return ErrNotOwner
		}
		c.log.Debug("taking ownership from %s", t.Owner())
		if err := t.SendOwnershipRequest(ctx); err != nil {
			return fmt.Errorf("ownership request for %s: %w", c.name, err)
		}
	}

	if err := t.RequestSerialization(ctx); err != nil {
		return fmt.Errorf("request serialization for %s: %w", c.name, err)
	}
	return nil
}

// OwnershipRequest arbitrates an ownership change first-come-first-served:
// it is rejected while another transfer is in flight.
func (c *Cell[T]) OwnershipRequest(requester, target PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ownershipTransferInProgress {
		c.log.Debug("ownership request %s -> %s rejected, transfer in progress", requester, target)
		return false
	}
	c.ownershipTransferInProgress = true
	c.log.Debug("ownership request %s -> %s accepted", requester, target)
	return true
}

// OwnershipTransferred completes a transfer. If ownership moved to another
// peer while this peer still has an unacknowledged commit, the data is
// requested again so the write is not lost in the handoff.
func (c *Cell[T]) OwnershipTransferred(ctx context.Context, newOwner PeerID) error {
	c.mu.Lock()
	c.ownershipTransferInProgress = false
	t := c.transport
	pending := c.pendingResync
	c.mu.Unlock()

	if t == nil || newOwner == t.LocalPeer() || !pending {
		c.log.Debug("ownership transferred to %s", newOwner)
		return nil
	}

	c.log.Info("ownership moved to %s with unacknowledged commit, resyncing", newOwner)
	return c.RequestData(ctx)
}

// CommitFrame runs OnCommitBegin and encodes the payload.
func (c *Cell[T]) CommitFrame(ctx context.Context) (Revision, []byte, error) {
	rev, payload, err := c.OnCommitBegin(ctx)
	if err != nil {
		return rev, nil, err
	}
	b, err := wire.EncodePayload(payload)
	if err != nil {
		return rev, nil, err
	}
	return rev, b, nil
}

// ReceiveFrame decodes a payload and runs OnReceive.
func (c *Cell[T]) ReceiveFrame(ctx context.Context, rev Revision, payload []byte) (Outcome, error) {
	v, err := wire.DecodePayload[T](payload)
	if err != nil {
		return OutcomeStale, err
	}
	return c.OnReceive(ctx, rev, v)
}

// Revision returns the current replicated revision.
func (c *Cell[T]) Revision() Revision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Watermark returns the last revision this peer observed.
func (c *Cell[T]) Watermark() Revision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// IsRetrying reports whether a resend is pending after a failure or race.
func (c *Cell[T]) IsRetrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRetrying
}

// PendingResync reports whether a local commit is unacknowledged.
func (c *Cell[T]) PendingResync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingResync
}

// IsOwner reports whether this peer owns the cell.
func (c *Cell[T]) IsOwner() bool {
	t, err := c.boundTransport()
	if err != nil {
		return false
	}
	return t.Owner() == t.LocalPeer()
}

// State returns a diagnostics snapshot.
func (c *Cell[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Name:                        c.name,
		Phase:                       c.phase,
		Revision:                    c.revision,
		Local:                       c.local,
		Expected:                    c.expected,
		OwnershipTransferInProgress: c.ownershipTransferInProgress,
		PendingResync:               c.pendingResync,
		IsRetrying:                  c.isRetrying,
		RetryScheduled:              c.retryTimer != nil,
	}
}

// Stats returns the cell counters.
func (c *Cell[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close cancels any scheduled retry. Later operations return ErrClosed.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}
