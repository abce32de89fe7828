package memnet

import (
	"context"
	"fmt"

	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/replica/wire"
)

// Attachment binds one replicator of one peer to the room. It implements
// replica.Transport.
type Attachment struct {
	peer     *Peer
	rep      replica.Replicator
	cell     string
	detached bool
}

var _ replica.Transport = (*Attachment)(nil)

// Cell returns the attached cell name.
func (a *Attachment) Cell() string {
	return a.cell
}

// LocalPeer implements replica.Transport.
func (a *Attachment) LocalPeer() replica.PeerID {
	return a.peer.id
}

// Owner implements replica.Transport.
func (a *Attachment) Owner() replica.PeerID {
	return a.peer.room.Owner(a.cell)
}

// ServerTime implements replica.Transport.
func (a *Attachment) ServerTime() float64 {
	return a.peer.room.ServerTime()
}

// RequestSerialization commits the cell and queues the frame for every
// other attached peer. The send outcome is reported to the replicator
// before returning; a failed send (see FailNext) queues nothing.
func (a *Attachment) RequestSerialization(ctx context.Context) error {
	r := a.peer.room

	r.mu.Lock()
	if a.detached {
		r.mu.Unlock()
		return ErrDetached
	}
	if r.cells[a.cell].owner != a.peer.id {
		r.mu.Unlock()
		return ErrNotOwner
	}
	r.mu.Unlock()

	rev, payload, err := a.rep.CommitFrame(ctx)
	if err != nil {
		a.rep.OnCommitResult(ctx, false)
		return fmt.Errorf("commit %s: %w", a.cell, err)
	}

	r.mu.Lock()
	ok := !a.detached && a.peer.failNext == 0
	switch {
	case a.detached:
		r.stats.Failed++
	case a.peer.failNext > 0:
		a.peer.failNext--
		r.stats.Failed++
	default:
		r.stats.Sent++
		r.enqueueLocked(r.cells[a.cell], a.peer.id, Delivery{
			Kind:    wire.KindSync,
			Cell:    a.cell,
			From:    a.peer.id,
			Rev:     rev,
			Payload: payload,
		})
	}
	r.mu.Unlock()

	r.log.Trace("send %s %v from %s ok=%t", a.cell, rev, a.peer.id, ok)
	a.rep.OnCommitResult(ctx, ok)
	return nil
}

// SendOwnershipRequest asks the current owner's replicator to release the
// cell. If it accepts, ownership moves immediately and every peer is sent
// an ownership notice.
func (a *Attachment) SendOwnershipRequest(ctx context.Context) error {
	r := a.peer.room

	r.mu.Lock()
	if a.detached {
		r.mu.Unlock()
		return ErrDetached
	}
	cs := r.cells[a.cell]
	if cs.owner == a.peer.id {
		r.mu.Unlock()
		return nil
	}
	current := r.attachmentLocked(a.cell, cs.owner)
	r.mu.Unlock()

	if current != nil && !current.rep.OwnershipRequest(a.peer.id, a.peer.id) {
		r.mu.Lock()
		r.stats.OwnershipDenied++
		r.mu.Unlock()
		r.log.Debug("ownership of %s denied to %s", a.cell, a.peer.id)
		return ErrOwnershipDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a.detached {
		// The owner already accepted; tell it the owner is unchanged so it
		// can take further requests.
		if current != nil {
			r.noticeLocked(a.cell, cs.owner, current.peer.id)
		}
		return ErrDetached
	}
	r.transferLocked(a.cell, cs, a.peer.id)
	return nil
}

// Detach removes the attachment. If it owned the cell, ownership passes
// to the earliest remaining attachment.
func (a *Attachment) Detach() {
	r := a.peer.room
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.detached {
		return
	}
	a.detached = true

	cs := r.cells[a.cell]
	for i, other := range cs.attached {
		if other == a {
			cs.attached = append(cs.attached[:i], cs.attached[i+1:]...)
			break
		}
	}
	for i, other := range a.peer.attachments {
		if other == a {
			a.peer.attachments = append(a.peer.attachments[:i], a.peer.attachments[i+1:]...)
			break
		}
	}

	if cs.owner != a.peer.id {
		return
	}
	if len(cs.attached) == 0 {
		cs.owner = ""
		return
	}
	r.transferLocked(a.cell, cs, cs.attached[0].peer.id)
}
