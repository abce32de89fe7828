package dispatch

import "errors"

// ErrPanicked wraps the value recovered from a panicking delivery.
var ErrPanicked = errors.New("delivery panicked")
