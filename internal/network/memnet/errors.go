package memnet

import "errors"

// Errors returned by the in-memory network.
var (
	// ErrDuplicatePeer is returned when joining with an ID already in the room.
	ErrDuplicatePeer = errors.New("peer already in room")

	// ErrPeerLeft is returned by operations on a peer that left the room.
	ErrPeerLeft = errors.New("peer left the room")

	// ErrAlreadyAttached is returned when a peer attaches a second
	// replicator for the same cell.
	ErrAlreadyAttached = errors.New("cell already attached for peer")

	// ErrDetached is returned by transport calls on a detached attachment.
	ErrDetached = errors.New("attachment detached")

	// ErrNotOwner is returned when a non-owner asks to serialize.
	ErrNotOwner = errors.New("peer does not own the cell")

	// ErrOwnershipDenied is returned when the current owner rejects an
	// ownership request.
	ErrOwnershipDenied = errors.New("ownership request denied")
)
