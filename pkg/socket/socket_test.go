package socket

import (
	"context"
	"testing"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSet(t *testing.T) {
	set := States(SynSent, SynReceived)
	assert.True(t, SynSent.In(set))
	assert.True(t, set.Has(SynReceived))
	assert.False(t, Established.In(set))
	assert.Equal(t, "FIN_WAIT1", FinWait1.String())
	assert.Equal(t, "SocketStatus(42)", SocketStatus(42).String())
}

func TestTakeError(t *testing.T) {
	s := NewSocket(1, 10, nil)
	s.Err = tcpip.ErrConnectionReset
	assert.Equal(t, tcpip.ErrConnectionReset, s.TakeError())
	assert.Nil(t, s.TakeError())
}

func TestWriteSpaceMath(t *testing.T) {
	s := NewSocket(1, 300, nil)
	s.SendUsed = 200
	assert.Equal(t, 100, s.WriteSpace())
	assert.Equal(t, 100, s.MinWriteSpace())
	assert.True(t, s.MemoryFree())
	s.SendUsed = 300
	assert.False(t, s.MemoryFree())
}

func TestBufferQueue(t *testing.T) {
	q := NewBufferQueue()
	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push(buffer.NewViewFromBytes([]byte("abc")))
	q.Push(buffer.NewViewFromBytes([]byte("de")))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 5, q.Bytes())

	v, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "abc", string(v))

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "abc", string(v))
	assert.Equal(t, 2, q.Bytes())

	q.Push(buffer.NewView(4))
	n, bytes := q.Purge()
	assert.Equal(t, 2, n)
	assert.Equal(t, 6, bytes)
	assert.True(t, q.Empty())
	assert.Zero(t, q.Bytes())
}

func TestAsyncList(t *testing.T) {
	var l AsyncList
	assert.Zero(t, l.Deliver(AsyncEvent{Kind: WakeSpace}))

	var a, b int
	cancelA := l.Subscribe(func(AsyncEvent) { a++ })
	cancelB := l.Subscribe(func(AsyncEvent) { b++ })
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 2, l.Deliver(AsyncEvent{Kind: WakeSpace}))

	cancelA()
	cancelA()
	assert.Equal(t, 1, l.Len())
	l.Deliver(AsyncEvent{Kind: WakeSpace})
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	cancelB()
	assert.Zero(t, l.Len())
}

func TestWaitEvent_ConditionAlreadyTrue(t *testing.T) {
	var m Monitor
	m.Lock()
	defer m.Unlock()
	timeo := time.Second
	assert.True(t, m.WaitEvent(context.Background(), SystemClock{}, &timeo, EventsAll, func() bool { return true }))
	assert.Equal(t, time.Second, timeo)
}

func TestWaitEvent_Notified(t *testing.T) {
	var m Monitor
	ready := false
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Lock()
		ready = true
		m.Unlock()
		m.Notify(waiter.EventIn)
	}()

	m.Lock()
	defer m.Unlock()
	timeo := 5 * time.Second
	ok := m.WaitEvent(context.Background(), SystemClock{}, &timeo, waiter.EventIn, func() bool { return ready })
	assert.True(t, ok)
	assert.Less(t, timeo, 5*time.Second)
	assert.Greater(t, timeo, time.Second)
}

func TestWaitEvent_MaskFilters(t *testing.T) {
	var m Monitor
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Notify(waiter.EventIn)
	}()

	m.Lock()
	defer m.Unlock()
	timeo := 60 * time.Millisecond
	start := time.Now()
	ok := m.WaitEvent(context.Background(), SystemClock{}, &timeo, waiter.EventOut, func() bool { return false })
	assert.False(t, ok)
	assert.Zero(t, timeo)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitEvent_Forever(t *testing.T) {
	var m Monitor
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	m.Lock()
	defer m.Unlock()
	timeo := WaitForever
	assert.False(t, m.WaitEvent(ctx, SystemClock{}, &timeo, EventsAll, func() bool { return false }))
	assert.Equal(t, WaitForever, timeo)
}
