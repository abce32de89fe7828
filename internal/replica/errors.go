package replica

import "errors"

// Sentinel errors for replicated cells.
var (
	// ErrNotInitialized is returned by operations on a cell with no transport.
	ErrNotInitialized = errors.New("cell has no transport bound")

	// ErrAlreadyBound is returned when binding a second transport.
	ErrAlreadyBound = errors.New("cell already has a transport")

	// ErrNotOwner is returned by RequestData when this peer does not own the
	// cell and implicit ownership is disabled.
	ErrNotOwner = errors.New("peer does not own the cell")

	// ErrClosed is returned by operations on a closed cell.
	ErrClosed = errors.New("cell is closed")

	// ErrNilHooks is returned when creating a cell without hooks.
	ErrNilHooks = errors.New("hooks cannot be nil")
)
