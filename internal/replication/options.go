package replication

import (
	"fmt"
	"log/slog"
	"time"
)

// Option configures a VolumeGroup or Manager.
type Option interface {
	apply(*config) error
}

type config struct {
	recheckInterval  time.Duration
	switchTimeout    time.Duration
	rpcTimeout       time.Duration
	bufferCapacity   int
	maxSwitchRetries int
	logger           *slog.Logger
	clock            Clock
}

var (
	defaultRecheckInterval  = 30 * time.Second
	defaultSwitchTimeout    = 5 * time.Second
	defaultRPCTimeout       = 5 * time.Second
	defaultBufferCapacity   = 1024
	defaultMaxSwitchRetries = 3
)

type optionFunc func(*config) error

func (f optionFunc) apply(c *config) error { return f(c) }

func mustOptionFunc(f func(c *config)) optionFunc {
	return func(c *config) error { f(c); return nil }
}

func (c *config) init(options ...Option) error {
	*c = config{
		recheckInterval:  defaultRecheckInterval,
		switchTimeout:    defaultSwitchTimeout,
		rpcTimeout:       defaultRPCTimeout,
		bufferCapacity:   defaultBufferCapacity,
		maxSwitchRetries: defaultMaxSwitchRetries,
		logger:           slog.Default(),
		clock:            realClock{},
	}
	for _, o := range options {
		if err := o.apply(c); err != nil {
			return err
		}
	}
	return nil
}

// WithRecheckInterval sets how long the coordinator waits before retrying
// replicas it marked offline.
func WithRecheckInterval(d time.Duration) Option {
	return optionFunc(func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("recheck interval must be positive, got %v", d)
		}
		c.recheckInterval = d
		return nil
	})
}

// WithSwitchTimeout bounds the SwitchCoordinator call made during open.
func WithSwitchTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("switch timeout must be positive, got %v", d)
		}
		c.switchTimeout = d
		return nil
	})
}

// WithRPCTimeout bounds each open, write and read sent to a replica.
func WithRPCTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("rpc timeout must be positive, got %v", d)
		}
		c.rpcTimeout = d
		return nil
	})
}

// WithBufferCapacity sets how many writes are kept for replay to a
// rejoining replica.
func WithBufferCapacity(n int) Option {
	return optionFunc(func(c *config) error {
		if n < 1 {
			return fmt.Errorf("buffer capacity must be at least 1, got %d", n)
		}
		c.bufferCapacity = n
		return nil
	})
}

// WithMaxSwitchRetries caps how many times open asks another coordinator
// to step down before giving up.
func WithMaxSwitchRetries(n int) Option {
	return mustOptionFunc(func(c *config) { c.maxSwitchRetries = n })
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return mustOptionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithClock replaces the clock that arms recheck timers.
func WithClock(clk Clock) Option {
	return mustOptionFunc(func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	})
}
