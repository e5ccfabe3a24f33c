package socket

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/netstack/waiter"
)

// WaitForever is the deadline value that never runs out.
const WaitForever = time.Duration(math.MaxInt64)

// EventsAll wakes on any readiness or state change.
const EventsAll = waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHUp

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Monitor is the per-connection lock together with the queue of contexts
// waiting on the connection. The queue has its own read guard so Notify
// never blocks behind the lock holder.
type Monitor struct {
	mu sync.Mutex
	waiter.Queue
}

func (m *Monitor) Lock() {
	m.mu.Lock()
}

func (m *Monitor) Unlock() {
	m.mu.Unlock()
}

// WaitEvent must be called with the lock held. If cond is already true it
// returns immediately. Otherwise it registers for mask, releases the lock,
// sleeps until notified, *timeo runs out or ctx is done, then reacquires the
// lock and returns cond. The elapsed time is subtracted from *timeo unless it
// is WaitForever.
func (m *Monitor) WaitEvent(ctx context.Context, clk Clock, timeo *time.Duration, mask waiter.EventMask, cond func() bool) bool {
	if cond() {
		return true
	}

	e, ch := waiter.NewChannelEntry(nil)
	m.EventRegister(&e, mask)

	start := clk.Now()
	var expired <-chan time.Time
	if *timeo != WaitForever {
		expired = clk.After(*timeo)
	}

	timedOut := false
	m.mu.Unlock()
	select {
	case <-ch:
	case <-expired:
		timedOut = true
	case <-ctx.Done():
	}
	m.mu.Lock()
	m.EventUnregister(&e)

	if *timeo != WaitForever {
		if timedOut {
			*timeo = 0
		} else if *timeo -= clk.Now().Sub(start); *timeo < 0 {
			*timeo = 0
		}
	}
	return cond()
}
