// Package stream holds the waiting and backpressure routines shared by
// connection-oriented stream protocols: connect wait, close wait, send
// memory wait, write-space wakeup, broken-pipe error policy and queue
// teardown. Every routine expects the caller to hold the socket lock.
package stream

import (
	"math/rand/v2"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/rs/zerolog"

	"TCP-stream/pkg/socket"
)

// Config holds the policy knobs of the memory wait.
type Config struct {
	// GraceWait is the fixed part of the wait taken before trusting free
	// local space while the global pool may still be reclaiming.
	GraceWait time.Duration `toml:"grace_wait"`
	// GraceJitter is the width of the uniform random part.
	GraceJitter time.Duration `toml:"grace_jitter"`
}

func DefaultConfig() Config {
	return Config{
		GraceWait:   2 * time.Millisecond,
		GraceJitter: 200 * time.Millisecond,
	}
}

// Stats are aggregate counters over every socket served by a Core.
type Stats struct {
	ConnectWaits       tcpip.StatCounter
	CloseWaits         tcpip.StatCounter
	CloseWaitTimeouts  tcpip.StatCounter
	MemoryWaits        tcpip.StatCounter
	MemoryWaitTimeouts tcpip.StatCounter
	MemoryPressure     tcpip.StatCounter
	GraceWaits         tcpip.StatCounter
	Interrupts         tcpip.StatCounter
	WriteSpaceWakeups  tcpip.StatCounter
	AsyncSpaceNotifies tcpip.StatCounter
	BrokenPipeSignals  tcpip.StatCounter
	PurgedBuffers      tcpip.StatCounter
	TeardownWarnings   tcpip.StatCounter
}

type Core struct {
	cfg   Config
	log   zerolog.Logger
	clock socket.Clock
	rand  func(n int64) int64
	stats *Stats
}

type Option func(*Core)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Core) { c.log = log }
}

func WithClock(clk socket.Clock) Option {
	return func(c *Core) { c.clock = clk }
}

// WithRand replaces the source of grace-wait jitter. fn must return a
// value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(c *Core) { c.rand = fn }
}

// WithStats makes the core count into stats, which may be shared.
func WithStats(stats *Stats) Option {
	return func(c *Core) { c.stats = stats }
}

func New(cfg Config, opts ...Option) *Core {
	c := &Core{
		cfg:   cfg,
		log:   zerolog.Nop(),
		clock: socket.SystemClock{},
		rand:  rand.Int64N,
		stats: &Stats{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Core) Stats() *Stats {
	return c.stats
}

func (c *Core) graceWait() time.Duration {
	d := c.cfg.GraceWait
	if c.cfg.GraceJitter > 0 {
		d += time.Duration(c.rand(int64(c.cfg.GraceJitter)))
	}
	if d <= 0 {
		// a zero grace wait would read as "none scheduled"
		d = time.Nanosecond
	}
	return d
}
