package stream

import (
	"fmt"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/pkg/errors"

	"TCP-stream/pkg/socket"
)

var (
	ErrBrokenPipe  = errors.New("broken pipe")
	ErrWouldBlock  = errors.New("operation would block")
	ErrInterrupted = errors.New("interrupted")
)

// InterruptedError is returned when a wait observed cancellation. Remaining
// is what was left of the caller's deadline.
type InterruptedError struct {
	Remaining time.Duration
	// Restartable is set when the deadline was infinite, so the call can be
	// retried without losing time.
	Restartable bool
}

func (e *InterruptedError) Error() string {
	if e.Restartable {
		return "interrupted (restartable)"
	}
	return fmt.Sprintf("interrupted with %v remaining", e.Remaining)
}

func (e *InterruptedError) Unwrap() error { return ErrInterrupted }

func interrupted(timeo time.Duration) error {
	return &InterruptedError{
		Remaining:   timeo,
		Restartable: timeo == socket.WaitForever,
	}
}

// SocketError carries an asynchronous socket error code.
type SocketError struct {
	Code *tcpip.Error
}

func (e *SocketError) Error() string {
	return e.Code.String()
}

func (e *SocketError) Is(target error) bool {
	t, ok := target.(*SocketError)
	return ok && t.Code == e.Code
}

// FromTCPIP adapts a netstack error code; nil stays nil.
func FromTCPIP(code *tcpip.Error) error {
	if code == nil {
		return nil
	}
	return &SocketError{Code: code}
}

// IsCode reports whether err carries the given netstack code.
func IsCode(err error, code *tcpip.Error) bool {
	var se *SocketError
	return errors.As(err, &se) && se.Code == code
}
