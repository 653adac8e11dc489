package host

import "github.com/rs/zerolog"

// DefaultHoldCap is the per-client bound on simultaneously held frames.
// The cap defends the pool against a buggy or hostile client pinning every
// buffer; it is not a flow-control mechanism.
const DefaultHoldCap = 20

// config holds pool configuration, managed by functional options.
type config struct {
	holdCap int
	log     zerolog.Logger
}

// Option configures a Pool.
type Option func(*config)

// WithHoldCap overrides the per-client hold cap.
// Example: WithHoldCap(3)
func WithHoldCap(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.holdCap = n
		}
	}
}

// WithLogger attaches a logger for pool diagnostics. The pool is silent
// without one.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}
