// Package memquota is the global send-memory pool shared by every socket of
// a protocol family. Sockets reserve whole quanta into their forward
// allocation and spend it byte by byte.
package memquota

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"TCP-stream/pkg/socket"
)

const Quantum = 4096

type Pool struct {
	sem       *semaphore.Weighted
	limit     int64
	pressure  int64
	allocated atomic.Int64
}

var _ socket.MemoryAccounter = (*Pool)(nil)

// New makes a pool of limitPages quanta that reports pressure once
// pressurePages are allocated. pressurePages <= 0 means the limit.
func New(limitPages, pressurePages int64) *Pool {
	if pressurePages <= 0 || pressurePages > limitPages {
		pressurePages = limitPages
	}
	return &Pool{
		sem:      semaphore.NewWeighted(limitPages),
		limit:    limitPages,
		pressure: pressurePages,
	}
}

func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

func (p *Pool) Limit() int64 {
	return p.limit
}

func (p *Pool) UnderPressure() bool {
	return p.allocated.Load() >= p.pressure
}

// Schedule makes sure s has at least size bytes of forward allocation,
// taking whole quanta from the pool. It returns false when the pool is
// exhausted.
func (p *Pool) Schedule(s *socket.Socket, size int) bool {
	if size <= s.ForwardAlloc {
		return true
	}
	pages := int64((size - s.ForwardAlloc + Quantum - 1) / Quantum)
	if !p.sem.TryAcquire(pages) {
		return false
	}
	p.allocated.Add(pages)
	s.ForwardAlloc += int(pages) * Quantum
	return true
}

// Charge moves size bytes from forward allocation into the send queue.
func (p *Pool) Charge(s *socket.Socket, size int) {
	s.ForwardAlloc -= size
	s.SendUsed += size
}

// Uncharge gives size bytes of the send queue back to forward allocation.
func (p *Pool) Uncharge(s *socket.Socket, size int) {
	s.ForwardAlloc += size
	s.SendUsed -= size
}

// Reclaim releases the whole quanta of s.ForwardAlloc back to the pool.
func (p *Pool) Reclaim(s *socket.Socket) {
	if s.ForwardAlloc < Quantum {
		return
	}
	pages := int64(s.ForwardAlloc / Quantum)
	s.ForwardAlloc -= int(pages) * Quantum
	p.allocated.Add(-pages)
	p.sem.Release(pages)
}
