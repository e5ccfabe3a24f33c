package socket

import (
	"fmt"

	"github.com/google/netstack/tcpip"
)

type SocketStatus int

const (
	Closed SocketStatus = iota
	Listening
	SynSent
	SynReceived
	Established
	CloseWait
	FinWait1
	FinWait2
	Closing
	LastAck
	TimeWait
)

var statusNames = [...]string{
	Closed:      "CLOSED",
	Listening:   "LISTEN",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RECV",
	Established: "ESTABLISHED",
	CloseWait:   "CLOSE_WAIT",
	FinWait1:    "FIN_WAIT1",
	FinWait2:    "FIN_WAIT2",
	Closing:     "CLOSING",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
}

func (s SocketStatus) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("SocketStatus(%d)", int(s))
}

// In reports whether s is a member of set.
func (s SocketStatus) In(set StateSet) bool {
	return set.Has(s)
}

// StateSet is a bitmask of socket states.
type StateSet uint32

func States(states ...SocketStatus) StateSet {
	var set StateSet
	for _, st := range states {
		set |= 1 << uint(st)
	}
	return set
}

func (set StateSet) Has(s SocketStatus) bool {
	return set&(1<<uint(s)) != 0
}

type ShutdownFlags uint8

const (
	RcvShutdown ShutdownFlags = 1 << iota
	SendShutdown
)

type SockFlags uint8

const (
	// NoSpace is set by a writer that ran out of send buffer.
	NoSpace SockFlags = 1 << iota
	// AsyncNoSpace records that a writer gave up for lack of space since
	// the last async delivery. Delivering space to subscribers clears it;
	// it never gates delivery.
	AsyncNoSpace
)

// MemoryAccounter is the global memory-quota service a socket draws its
// forward allocation from.
type MemoryAccounter interface {
	// UnderPressure reports whether the protocol family is over its
	// aggregate pressure threshold.
	UnderPressure() bool
	// Reclaim returns whole quanta of s.ForwardAlloc to the global pool.
	Reclaim(s *Socket)
}

// Socket is the per-connection state shared between a stream protocol and
// the synchronization core. All fields except Async are guarded by the
// embedded Monitor.
type Socket struct {
	Monitor

	SID   int
	State SocketStatus

	// Err is the last asynchronous error, nil when none is pending.
	Err      *tcpip.Error
	Shutdown ShutdownFlags

	SendUsed  int
	SendLimit int

	WritePending int
	Flags        SockFlags

	RecvQueue  *BufferQueue
	ErrQueue   *BufferQueue
	WriteQueue *BufferQueue

	ForwardAlloc int
	Accounter    MemoryAccounter

	Async AsyncList
}

func NewSocket(sid int, sendLimit int, accounter MemoryAccounter) *Socket {
	return &Socket{
		SID:        sid,
		State:      Closed,
		SendLimit:  sendLimit,
		RecvQueue:  NewBufferQueue(),
		ErrQueue:   NewBufferQueue(),
		WriteQueue: NewBufferQueue(),
		Accounter:  accounter,
	}
}

// TakeError returns the pending error and clears it.
func (s *Socket) TakeError() *tcpip.Error {
	err := s.Err
	s.Err = nil
	return err
}

// WriteSpace is the free room in the send buffer.
func (s *Socket) WriteSpace() int {
	return s.SendLimit - s.SendUsed
}

// MinWriteSpace is the write space a writer must see before it is woken:
// half of what is queued, which is a third of the buffer when it was full.
func (s *Socket) MinWriteSpace() int {
	return s.SendUsed >> 1
}

func (s *Socket) MemoryFree() bool {
	return s.SendUsed < s.SendLimit
}

func (s *Socket) SetFlag(f SockFlags) {
	s.Flags |= f
}

func (s *Socket) ClearFlag(f SockFlags) {
	s.Flags &^= f
}

func (s *Socket) HasFlag(f SockFlags) bool {
	return s.Flags&f != 0
}

func (s *Socket) SendShutdownSet() bool {
	return s.Shutdown&SendShutdown != 0
}
