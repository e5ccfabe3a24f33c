package stream

import (
	"context"
	"time"

	"github.com/google/netstack/waiter"

	"TCP-stream/pkg/socket"
)

// WaitMemory blocks a writer until the send buffer has room, the socket
// fails or *timeo runs out. It may be called many times for one write; each
// call decrements *timeo by the time it slept.
//
// Finding local space already free on entry means the caller was refused by
// the global pool. The wait then starts with a short randomized grace period
// so writers do not rush back before the pool has reclaimed anything. The
// grace period is taken at most once per call and its length is charged to
// the deadline.
func (c *Core) WaitMemory(ctx context.Context, s *socket.Socket, timeo *time.Duration) error {
	var grace time.Duration
	current := *timeo

	if s.MemoryFree() {
		grace = c.graceWait()
		current = grace
		c.stats.GraceWaits.Increment()
	}
	if s.Accounter != nil && s.Accounter.UnderPressure() {
		c.stats.MemoryPressure.Increment()
	}

	ready := func() bool {
		return s.Err != nil || s.SendShutdownSet() || (s.MemoryFree() && grace == 0)
	}

	for {
		s.SetFlag(socket.AsyncNoSpace)

		if s.Err != nil || s.SendShutdownSet() {
			return ErrBrokenPipe
		}
		if *timeo == 0 {
			c.stats.MemoryWaitTimeouts.Increment()
			return ErrWouldBlock
		}
		if ctx.Err() != nil {
			c.stats.Interrupts.Increment()
			return interrupted(*timeo)
		}
		s.ClearFlag(socket.AsyncNoSpace)

		if s.MemoryFree() && grace == 0 {
			return nil
		}

		s.SetFlag(socket.NoSpace)
		c.stats.MemoryWaits.Increment()
		s.WritePending++
		s.WaitEvent(ctx, c.clock, &current, waiter.EventOut|waiter.EventErr|waiter.EventHUp, ready)
		s.WritePending--

		if grace != 0 {
			// grace now holds how long it actually slept
			grace -= current
			current = *timeo
			if current != socket.WaitForever {
				if current -= grace; current < 0 {
					current = 0
				}
			}
			grace = 0
		}
		*timeo = current
	}
}
