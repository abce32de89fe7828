package replica

import (
	"context"
	"fmt"
)

// PeerID identifies a peer in a session.
type PeerID string

// Revision is the (counter, server time) pair that versions a cell.
type Revision struct {
	// Count increases by one for every local commit attempt.
	Count int64

	// Time is the server time, in seconds, stamped when Count was bumped.
	Time float64
}

// Behind reports whether r is older than other on either axis. A received
// revision that is Behind the local watermark is stale.
func (r Revision) Behind(other Revision) bool {
	return r.Count < other.Count || r.Time < other.Time
}

// After reports whether r orders strictly after other, counter first.
func (r Revision) After(other Revision) bool {
	if r.Count != other.Count {
		return r.Count > other.Count
	}
	return r.Time > other.Time
}

// String returns a compact representation such as "r5@12.250".
func (r Revision) String() string {
	return fmt.Sprintf("r%d@%.3f", r.Count, r.Time)
}

// Hooks supplies the domain side of a cell.
type Hooks[T any] interface {
	// CaptureOutgoing returns the payload to publish for a commit.
	CaptureOutgoing(ctx context.Context) (T, error)

	// OnDeliveryAck is called after the transport confirms a commit.
	OnDeliveryAck(ctx context.Context, rev Revision)

	// ApplyIncoming installs a payload received from the owner.
	ApplyIncoming(ctx context.Context, payload T, rev Revision) error
}

// StaleHandler may be implemented by Hooks to handle payloads that arrive
// behind the local watermark. Without it, stale payloads go to
// ApplyIncoming, since a stale packet can still carry data this peer never
// finished applying.
type StaleHandler[T any] interface {
	OnStaleIncoming(ctx context.Context, payload T, rev Revision) error
}

// Transport is the network side of a cell.
type Transport interface {
	// LocalPeer returns this peer's identity.
	LocalPeer() PeerID

	// Owner returns the current owner of the cell.
	Owner() PeerID

	// ServerTime returns the shared session clock in seconds.
	ServerTime() float64

	// RequestSerialization asks the transport to run a commit. The transport
	// calls CommitFrame, sends the result and reports the outcome through
	// OnCommitResult.
	RequestSerialization(ctx context.Context) error

	// SendOwnershipRequest asks for ownership of the cell for this peer.
	SendOwnershipRequest(ctx context.Context) error
}

// Replicator is the byte-level view of a cell used by transports.
type Replicator interface {
	Name() string
	CommitFrame(ctx context.Context) (Revision, []byte, error)
	OnCommitResult(ctx context.Context, success bool)
	ReceiveFrame(ctx context.Context, rev Revision, payload []byte) (Outcome, error)
	OwnershipRequest(requester, target PeerID) bool
	OwnershipTransferred(ctx context.Context, newOwner PeerID) error
}

// Phase is the commit state of a cell.
type Phase int

const (
	// PhaseIdle means no commit is in flight.
	PhaseIdle Phase = iota
	// PhaseCommitting means a payload was captured and is being sent.
	PhaseCommitting
	// PhaseDelivered means the last commit was acknowledged.
	PhaseDelivered
	// PhaseRetrying means a resend is scheduled.
	PhaseRetrying
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCommitting:
		return "committing"
	case PhaseDelivered:
		return "delivered"
	case PhaseRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Outcome classifies a received revision.
type Outcome int

const (
	// OutcomeApplied means the revision was accepted.
	OutcomeApplied Outcome = iota
	// OutcomeStale means the revision was behind the local watermark.
	OutcomeStale
	// OutcomeRace means the revision was accepted but collided with an
	// unacknowledged local commit, and a resend was scheduled.
	OutcomeRace
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeRace:
		return "race"
	default:
		return "unknown"
	}
}

// State is a diagnostics snapshot of a cell.
type State struct {
	Name                        string
	Phase                       Phase
	Revision                    Revision
	Local                       Revision
	Expected                    Revision
	OwnershipTransferInProgress bool
	PendingResync               bool
	IsRetrying                  bool
	RetryScheduled              bool
}

// Stats contains cell counters.
type Stats struct {
	Commits          uint64
	Delivered        uint64
	Failed           uint64
	RetriesScheduled uint64
	Received         uint64
	Stale            uint64
	Races            uint64
	DataRequests     uint64
}
