package socket

import (
	"github.com/eapache/queue"
	"github.com/google/netstack/tcpip/buffer"
)

// BufferQueue is an ordered queue of buffers with a running byte count.
type BufferQueue struct {
	q     *queue.Queue
	bytes int
}

func NewBufferQueue() *BufferQueue {
	return &BufferQueue{q: queue.New()}
}

func (bq *BufferQueue) Push(v buffer.View) {
	bq.q.Add(v)
	bq.bytes += len(v)
}

// Pop removes the head buffer. ok is false when the queue is empty.
func (bq *BufferQueue) Pop() (v buffer.View, ok bool) {
	if bq.q.Length() == 0 {
		return nil, false
	}
	v = bq.q.Remove().(buffer.View)
	bq.bytes -= len(v)
	return v, true
}

func (bq *BufferQueue) Peek() (buffer.View, bool) {
	if bq.q.Length() == 0 {
		return nil, false
	}
	return bq.q.Peek().(buffer.View), true
}

func (bq *BufferQueue) Len() int {
	return bq.q.Length()
}

func (bq *BufferQueue) Bytes() int {
	return bq.bytes
}

func (bq *BufferQueue) Empty() bool {
	return bq.q.Length() == 0
}

// Purge drops every buffer and reports how many buffers and bytes went.
func (bq *BufferQueue) Purge() (n, bytes int) {
	n, bytes = bq.q.Length(), bq.bytes
	for bq.q.Length() > 0 {
		bq.q.Remove()
	}
	bq.bytes = 0
	return n, bytes
}
