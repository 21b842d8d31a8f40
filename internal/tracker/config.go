package tracker

import "time"

// Polling defaults.
const (
	DefaultInterval               = 2 * time.Second
	DefaultMaxBackoff             = 30 * time.Second
	DefaultPollTimeout            = 10 * time.Second
	DefaultMaxConsecutiveFailures = 5
)

// Config controls the polling cadence of a Tracker. Zero fields take the defaults.
type Config struct {
	Interval               time.Duration
	MaxBackoff             time.Duration
	PollTimeout            time.Duration
	MaxConsecutiveFailures int
}

// DefaultConfig returns the production polling settings.
func DefaultConfig() Config {
	return Config{
		Interval:               DefaultInterval,
		MaxBackoff:             DefaultMaxBackoff,
		PollTimeout:            DefaultPollTimeout,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = c.Interval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return c
}

// Backoff returns the wait before the next poll after the given number of
// consecutive transport failures: Interval × 2^failures, capped at MaxBackoff.
// With no failures it is the plain Interval.
func (c Config) Backoff(failures int) time.Duration {
	c = c.withDefaults()
	d := c.Interval
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}
