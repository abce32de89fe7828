package listener

import "errors"

// Sentinel errors for the dispatcher.
var (
	// ErrSelfRegistration is returned when a dispatcher, or the plugin that
	// owns it, is registered as one of its own subscribers.
	ErrSelfRegistration = errors.New("dispatcher cannot subscribe to itself")

	// ErrNilSubscriber is returned when a nil subscriber is registered.
	ErrNilSubscriber = errors.New("subscriber cannot be nil")

	// ErrNotComparable is returned when a subscriber's dynamic type cannot
	// be compared for identity.
	ErrNotComparable = errors.New("subscriber type is not comparable")
)
