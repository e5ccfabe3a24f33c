package stream

import (
	"context"
	"time"

	"TCP-stream/pkg/socket"
)

var (
	handshakeStates = socket.States(socket.SynSent, socket.SynReceived)
	connectedStates = socket.States(socket.Established, socket.CloseWait)
	closingStates   = socket.States(socket.FinWait1, socket.Closing, socket.LastAck)
)

// WaitConnect waits for s to finish its handshake. *timeo is the remaining
// time and is decremented across sleeps.
func (c *Core) WaitConnect(ctx context.Context, s *socket.Socket, timeo *time.Duration) error {
	for {
		if err := s.TakeError(); err != nil {
			return FromTCPIP(err)
		}
		if s.State.In(connectedStates) {
			return nil
		}
		if !s.State.In(handshakeStates) {
			return ErrBrokenPipe
		}
		if *timeo == 0 {
			return ErrWouldBlock
		}
		if ctx.Err() != nil {
			c.stats.Interrupts.Increment()
			return interrupted(*timeo)
		}

		c.stats.ConnectWaits.Increment()
		s.WritePending++
		done := s.WaitEvent(ctx, c.clock, timeo, socket.EventsAll, func() bool {
			return s.Err == nil && s.State.In(connectedStates)
		})
		s.WritePending--
		if done {
			return nil
		}
	}
}

// WaitClose gives an orderly close up to timeout to get past the FIN
// exchange. It never fails; the caller carries on either way.
func (c *Core) WaitClose(ctx context.Context, s *socket.Socket, timeout time.Duration) {
	if timeout == 0 {
		return
	}
	c.stats.CloseWaits.Increment()
	for {
		if s.WaitEvent(ctx, c.clock, &timeout, socket.EventsAll, func() bool {
			return !s.State.In(closingStates)
		}) {
			return
		}
		if ctx.Err() != nil {
			c.stats.Interrupts.Increment()
			return
		}
		if timeout == 0 {
			c.stats.CloseWaitTimeouts.Increment()
			return
		}
	}
}
