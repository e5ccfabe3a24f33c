package memquota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TCP-stream/pkg/socket"
)

func TestScheduleChargeReclaim(t *testing.T) {
	p := New(4, 3)
	s := socket.NewSocket(1, 64*1024, p)

	require.True(t, p.Schedule(s, 100))
	assert.Equal(t, Quantum, s.ForwardAlloc)
	assert.Equal(t, int64(1), p.Allocated())

	// already covered
	require.True(t, p.Schedule(s, Quantum))
	assert.Equal(t, int64(1), p.Allocated())

	p.Charge(s, 100)
	assert.Equal(t, 100, s.SendUsed)
	assert.Equal(t, Quantum-100, s.ForwardAlloc)

	require.True(t, p.Schedule(s, 2*Quantum))
	assert.Equal(t, int64(3), p.Allocated())
	assert.True(t, p.UnderPressure())

	p.Uncharge(s, 100)
	assert.Zero(t, s.SendUsed)
	p.Reclaim(s)
	assert.Zero(t, s.ForwardAlloc)
	assert.Zero(t, p.Allocated())
	assert.False(t, p.UnderPressure())
}

func TestScheduleExhausted(t *testing.T) {
	p := New(2, 0)
	a := socket.NewSocket(1, 64*1024, p)
	b := socket.NewSocket(2, 64*1024, p)

	require.True(t, p.Schedule(a, 2*Quantum))
	assert.True(t, p.UnderPressure())
	assert.False(t, p.Schedule(b, 1))
	assert.Zero(t, b.ForwardAlloc)

	p.Reclaim(a)
	assert.True(t, p.Schedule(b, 1))
}

func TestReclaimKeepsPartialQuantum(t *testing.T) {
	p := New(2, 0)
	s := socket.NewSocket(1, 64*1024, p)
	require.True(t, p.Schedule(s, 2*Quantum))
	p.Charge(s, 10)
	p.Reclaim(s)
	assert.Equal(t, Quantum-10, s.ForwardAlloc)
	assert.Equal(t, int64(1), p.Allocated())
}
