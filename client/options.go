package client

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultWatchdogWindow is the silence window after which the host is
	// presumed dead. Producers announcing at any realistic framerate keep
	// the watchdog fed well inside a second.
	DefaultWatchdogWindow = time.Second

	// DefaultAnnounceQueue bounds buffered announces a slow consumer has
	// not collected yet; the oldest are dropped first, since their frames
	// are the ones closest to expiry anyway.
	DefaultAnnounceQueue = 16

	defaultReconnectAttempts = 10
	defaultReconnectDelay    = 100 * time.Millisecond
)

// config holds session configuration, managed by functional options.
type config struct {
	userptr           any
	autoReconnect     bool
	window            time.Duration
	queueCap          int
	reconnectAttempts uint
	reconnectDelay    time.Duration
	log               zerolog.Logger
}

// Option configures a Session.
type Option func(*config)

// WithUserPtr attaches an opaque payload retrievable with Session.UserPtr.
func WithUserPtr(p any) Option {
	return func(c *config) {
		c.userptr = p
	}
}

// WithAutoReconnect makes the session re-dial the host transparently after
// a watchdog fire or peer hangup, instead of surfacing the failure.
func WithAutoReconnect() Option {
	return func(c *config) {
		c.autoReconnect = true
	}
}

// WithWatchdogWindow overrides the silence window. The window never goes
// below one second; set it proportional to the expected frame interval.
func WithWatchdogWindow(d time.Duration) Option {
	return func(c *config) {
		if d < time.Second {
			d = time.Second
		}
		c.window = d
	}
}

// WithAnnounceQueue overrides the buffered-announce bound.
func WithAnnounceQueue(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueCap = n
		}
	}
}

// WithReconnectPolicy tunes the auto-reconnect loop: how many dial attempts
// to make and the fixed delay between them.
func WithReconnectPolicy(attempts uint, delay time.Duration) Option {
	return func(c *config) {
		c.reconnectAttempts = attempts
		if delay > 0 {
			c.reconnectDelay = delay
		}
	}
}

// WithLogger attaches a logger for session diagnostics. The session is
// silent without one.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}
