package socket

import (
	"sync"
	"sync/atomic"

	"github.com/google/netstack/waiter"
)

type AsyncKind int

const (
	WakeIO AsyncKind = iota
	WakeSpace
	WakeURG
)

// AsyncEvent is an out-of-band readiness notification.
type AsyncEvent struct {
	Kind AsyncKind
	Band waiter.EventMask
}

type AsyncSubscriber func(ev AsyncEvent)

type asyncEntry struct {
	fn AsyncSubscriber
}

// AsyncList holds the async subscribers of a socket. Readers load an
// immutable snapshot and never take a lock; subscribe and cancel copy it.
type AsyncList struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*asyncEntry]
}

// Subscribe adds fn and returns a func that removes it again.
func (l *AsyncList) Subscribe(fn AsyncSubscriber) (cancel func()) {
	e := &asyncEntry{fn: fn}

	l.mu.Lock()
	var next []*asyncEntry
	if cur := l.subs.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, e)
	l.subs.Store(&next)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(e) })
	}
}

func (l *AsyncList) remove(e *asyncEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.subs.Load()
	if cur == nil {
		return
	}
	next := make([]*asyncEntry, 0, len(*cur))
	for _, x := range *cur {
		if x != e {
			next = append(next, x)
		}
	}
	l.subs.Store(&next)
}

func (l *AsyncList) Len() int {
	if cur := l.subs.Load(); cur != nil {
		return len(*cur)
	}
	return 0
}

// Deliver calls every subscriber with ev and reports how many were called.
func (l *AsyncList) Deliver(ev AsyncEvent) int {
	cur := l.subs.Load()
	if cur == nil {
		return 0
	}
	for _, e := range *cur {
		e.fn(ev)
	}
	return len(*cur)
}
