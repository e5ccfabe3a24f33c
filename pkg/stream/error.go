package stream

import (
	"context"
	"syscall"

	"github.com/pkg/errors"

	"TCP-stream/pkg/socket"
)

type MsgFlags uint32

const (
	// MsgNoSignal suppresses SIGPIPE on a broken connection.
	MsgNoSignal MsgFlags = 1 << iota
	MsgDontWait
)

// SignalHandler receives signals raised against the calling context.
type SignalHandler func(sig syscall.Signal)

type signalKey struct{}

// WithSignalHandler attaches h to ctx; Error raises broken-pipe signals
// through it.
func WithSignalHandler(ctx context.Context, h SignalHandler) context.Context {
	return context.WithValue(ctx, signalKey{}, h)
}

func signalHandler(ctx context.Context) SignalHandler {
	h, _ := ctx.Value(signalKey{}).(SignalHandler)
	return h
}

// Error decides the error a send path reports. A broken pipe is replaced
// by the socket's pending error when there is one. A broken pipe that
// survives raises SIGPIPE against ctx unless flags carry MsgNoSignal.
func (c *Core) Error(ctx context.Context, s *socket.Socket, flags MsgFlags, err error) error {
	if errors.Is(err, ErrBrokenPipe) {
		if pending := s.TakeError(); pending != nil {
			err = FromTCPIP(pending)
		}
	}
	if errors.Is(err, ErrBrokenPipe) && flags&MsgNoSignal == 0 {
		c.stats.BrokenPipeSignals.Increment()
		if h := signalHandler(ctx); h != nil {
			h(syscall.SIGPIPE)
		} else {
			c.log.Debug().Int("sid", s.SID).Msg("broken pipe with no signal handler")
		}
	}
	return err
}
