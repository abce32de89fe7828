package wsnet

import "errors"

// Errors returned by the websocket transport.
var (
	// ErrHandshake is returned when the first frame of a connection is not a
	// valid hello.
	ErrHandshake = errors.New("handshake failed")

	// ErrDuplicatePeer is returned when a peer ID is already connected.
	ErrDuplicatePeer = errors.New("peer already connected")

	// ErrNotOwner is returned when a non-owner asks to serialize.
	ErrNotOwner = errors.New("peer does not own the cell")

	// ErrOwnershipDenied is returned when the owner rejects a request.
	ErrOwnershipDenied = errors.New("ownership request denied")

	// ErrRequestInFlight is returned when an ownership request for the same
	// cell is already waiting for an answer.
	ErrRequestInFlight = errors.New("ownership request already in flight")

	// ErrAlreadyAttached is returned when attaching a cell twice.
	ErrAlreadyAttached = errors.New("cell already attached")

	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client closed")
)
