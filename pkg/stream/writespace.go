package stream

import (
	"github.com/google/netstack/waiter"

	"TCP-stream/pkg/socket"
)

// WriteSpace is called by the accounting path after it freed send buffer.
// Nothing happens until a third of the buffer is free, so writers are not
// woken for every acknowledged segment.
func (c *Core) WriteSpace(s *socket.Socket) {
	if s.WriteSpace() < s.MinWriteSpace() {
		return
	}

	if s.HasFlag(socket.NoSpace) {
		s.ClearFlag(socket.NoSpace)
		c.stats.WriteSpaceWakeups.Increment()
	}

	s.Notify(waiter.EventOut)

	if s.Async.Len() > 0 && !s.SendShutdownSet() {
		s.ClearFlag(socket.AsyncNoSpace)
		s.Async.Deliver(socket.AsyncEvent{Kind: socket.WakeSpace, Band: waiter.EventOut})
		c.stats.AsyncSpaceNotifies.Increment()
	}
}
