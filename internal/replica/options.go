package replica

import (
	"time"

	"github.com/dshills/tvsync/internal/logging"
	"github.com/dshills/tvsync/internal/schedule"
)

// DefaultRetryBackoff is the flat delay before a failed or raced commit is
// resent. Write rates are low, so there is no exponential growth.
const DefaultRetryBackoff = time.Second

// Option configures a Cell.
type Option func(*cellConfig)

type cellConfig struct {
	logger            *logging.Logger
	scheduler         schedule.Scheduler
	backoff           time.Duration
	implicitOwnership bool
}

func defaultCellConfig() cellConfig {
	return cellConfig{
		scheduler:         schedule.Real{},
		backoff:           DefaultRetryBackoff,
		implicitOwnership: true,
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *cellConfig) {
		c.logger = l
	}
}

// WithScheduler sets the timer facility used for retries.
func WithScheduler(s schedule.Scheduler) Option {
	return func(c *cellConfig) {
		if s != nil {
			c.scheduler = s
		}
	}
}

// WithRetryBackoff sets the delay before a resend.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *cellConfig) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithImplicitOwnership controls whether RequestData takes ownership when
// this peer is not the owner. When disabled, RequestData returns
// ErrNotOwner instead.
func WithImplicitOwnership(enabled bool) Option {
	return func(c *cellConfig) {
		c.implicitOwnership = enabled
	}
}
