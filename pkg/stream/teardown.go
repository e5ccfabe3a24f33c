package stream

import (
	"TCP-stream/pkg/socket"
)

// KillQueues releases what a socket still holds when it is destroyed. No
// other context may reach s any more. Bookkeeping left over by the
// protocol is logged, never fatal.
func (c *Core) KillQueues(s *socket.Socket) {
	rn, _ := s.RecvQueue.Purge()
	en, _ := s.ErrQueue.Purge()
	c.stats.PurgedBuffers.IncrementBy(uint64(rn + en))

	if !s.WriteQueue.Empty() {
		c.warn(s, "write queue not empty at teardown", s.WriteQueue.Bytes())
	}

	if s.Accounter != nil {
		s.Accounter.Reclaim(s)
	}

	if s.SendUsed != 0 {
		c.warn(s, "queued send bytes at teardown", s.SendUsed)
	}
	if s.ForwardAlloc != 0 {
		c.warn(s, "forward allocation left at teardown", s.ForwardAlloc)
		s.ForwardAlloc = 0
	}
}

func (c *Core) warn(s *socket.Socket, msg string, n int) {
	c.stats.TeardownWarnings.Increment()
	c.log.Warn().
		Int("sid", s.SID).
		Stringer("state", s.State).
		Int("bytes", n).
		Msg(msg)
}
