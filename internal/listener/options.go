package listener

import (
	"time"

	"github.com/dshills/tvsync/internal/listener/dispatch"
	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/schedule"
)

// DefaultCatchUpDelay is three frames at 60Hz. Late registrations receive
// their ready notification after this delay so they can finish their own
// setup first.
const DefaultCatchUpDelay = 3 * time.Second / 60

// Option configures a Dispatcher.
type Option func(*config)

type config struct {
	name         string
	owner        Subscriber
	logger       *logging.Logger
	scheduler    schedule.Scheduler
	catchUpDelay time.Duration
	panicHandler dispatch.PanicHandler
}

func defaultConfig() config {
	return config{
		name:         "dispatcher",
		scheduler:    schedule.Real{},
		catchUpDelay: DefaultCatchUpDelay,
	}
}

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithOwner sets the plugin hosting the dispatcher. The owner is rejected
// if it tries to register as a subscriber.
func WithOwner(owner Subscriber) Option {
	return func(c *config) {
		c.owner = owner
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithScheduler sets the timer facility used for catch-up notifications.
func WithScheduler(s schedule.Scheduler) Option {
	return func(c *config) {
		if s != nil {
			c.scheduler = s
		}
	}
}

// WithCatchUpDelay sets how long a late registration waits for its ready
// notification. Zero or negative delivers it synchronously from Register.
func WithCatchUpDelay(d time.Duration) Option {
	return func(c *config) {
		c.catchUpDelay = d
	}
}

// WithPanicHandler sets the handler invoked when a subscriber panics.
func WithPanicHandler(h dispatch.PanicHandler) Option {
	return func(c *config) {
		c.panicHandler = h
	}
}
