package iptcpstack

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/google/netstack/waiter"
	"github.com/rs/zerolog"

	"TCP-stream/pkg/lnxconfig"
	"TCP-stream/pkg/memquota"
	"TCP-stream/pkg/socket"
	"TCP-stream/pkg/stream"
)

// Socket is an entry of the stack's socket table.
type Socket struct {
	SID    int
	Conn   *VTCPConn
	Listen *VTCPListener
}

type TCPStack struct {
	TcpRtoMin time.Duration
	TcpRtoMax time.Duration

	Config *lnxconfig.IPConfig
	Core   *stream.Core
	Pool   *memquota.Pool

	log   zerolog.Logger
	clock socket.Clock

	mu           sync.Mutex
	Sockets      map[int]*Socket
	NextSocketID int
	listeners    map[uint16]*VTCPListener
	nextPort     uint16

	wire      *fifo[*segment]
	callbacks *fifo[func()]
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func InitializeTCP(config *lnxconfig.IPConfig, log zerolog.Logger) (*TCPStack, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	tcpStack := &TCPStack{
		TcpRtoMin: config.TcpRtoMin,
		TcpRtoMax: config.TcpRtoMax,
		Config:    config,
		Core:      stream.New(config.Stream, stream.WithLogger(log)),
		Pool:      memquota.New(config.MemoryLimitPages, config.MemoryPressurePages),
		log:       log,
		clock:     socket.SystemClock{},
		Sockets:   make(map[int]*Socket),
		listeners: make(map[uint16]*VTCPListener),
		// ephemeral ports
		nextPort:     20000,
		NextSocketID: 1,
		wire:         newFifo[*segment](),
		callbacks:    newFifo[func()](),
		cancel:       cancel,
	}
	tcpStack.wg.Add(2)
	go tcpStack.dispatch(ctx)
	go tcpStack.runCallbacks(ctx)
	return tcpStack, nil
}

// Close stops segment and callback delivery. Open connections are left as
// they are.
func (stack *TCPStack) Close() {
	stack.cancel()
	stack.wg.Wait()
}

func (stack *TCPStack) Stats() *stream.Stats {
	return stack.Core.Stats()
}

func (stack *TCPStack) FindSocket(sid int) *Socket {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	return stack.Sockets[sid]
}

// ListSockets returns the socket table ordered by SID.
func (stack *TCPStack) ListSockets() []*Socket {
	stack.mu.Lock()
	socks := make([]*Socket, 0, len(stack.Sockets))
	for _, sock := range stack.Sockets {
		socks = append(socks, sock)
	}
	stack.mu.Unlock()
	slices.SortFunc(socks, func(a, b *Socket) int { return cmp.Compare(a.SID, b.SID) })
	return socks
}

func (stack *TCPStack) register(sock *Socket) int {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	sock.SID = stack.NextSocketID
	stack.NextSocketID++
	stack.Sockets[sock.SID] = sock
	return sock.SID
}

func (stack *TCPStack) remove(sid int) {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	delete(stack.Sockets, sid)
}

func (stack *TCPStack) timeout(d time.Duration) time.Duration {
	if d == 0 {
		return socket.WaitForever
	}
	return d
}

type segment struct {
	src     *VTCPConn
	dst     *VTCPConn
	dstPort uint16 // SYN only
	flags   uint8
	seq     seqnum.Value
	ack     seqnum.Value
	finAck  bool
	payload buffer.View
}

// fifo is an unbounded queue drained by one goroutine, so producers never
// block while holding a socket lock. The loopback wire is one; async
// callbacks are another.
type fifo[T any] struct {
	mu    sync.Mutex
	q     *queue.Queue
	ready chan struct{}
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{q: queue.New(), ready: make(chan struct{}, 1)}
}

func (f *fifo[T]) push(v T) {
	f.mu.Lock()
	f.q.Add(v)
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *fifo[T]) pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.q.Length() == 0 {
		var zero T
		return zero, false
	}
	return f.q.Remove().(T), true
}

// drain hands every queued value to fn until ctx is done.
func (f *fifo[T]) drain(ctx context.Context, fn func(T)) {
	for {
		for v, ok := f.pop(); ok; v, ok = f.pop() {
			fn(v)
		}
		select {
		case <-f.ready:
		case <-ctx.Done():
			return
		}
	}
}

func (stack *TCPStack) send(seg *segment) {
	if len(seg.payload) > 0 {
		seg.payload = buffer.NewViewFromBytes(seg.payload)
	}
	stack.wire.push(seg)
}

func (stack *TCPStack) dispatch(ctx context.Context) {
	defer stack.wg.Done()
	stack.wire.drain(ctx, stack.handleSegment)
}

// runCallbacks calls async subscribers outside every socket lock, so a
// subscriber may call back into its connection.
func (stack *TCPStack) runCallbacks(ctx context.Context) {
	defer stack.wg.Done()
	stack.callbacks.drain(ctx, func(fn func()) { fn() })
}

func (stack *TCPStack) handleSegment(seg *segment) {
	if seg.dst == nil {
		if seg.flags&header.TCPFlagSyn != 0 {
			stack.handleSynReceived(seg)
		}
		return
	}

	c := seg.dst
	s := c.sock
	s.Lock()
	defer s.Unlock()

	if c.closed {
		// the connection is gone; FINs are still acked, data is refused
		switch {
		case seg.flags&header.TCPFlagRst != 0:
		case seg.flags&header.TCPFlagFin != 0:
			stack.send(&segment{src: c, dst: seg.src, flags: header.TCPFlagAck, finAck: true})
		case len(seg.payload) > 0 || seg.flags&header.TCPFlagSyn != 0:
			stack.send(&segment{src: c, dst: seg.src, flags: header.TCPFlagRst})
		}
		return
	}

	switch {
	case seg.flags&header.TCPFlagRst != 0:
		c.handleReset()
	case seg.flags&header.TCPFlagSyn != 0 && seg.flags&header.TCPFlagAck != 0:
		c.handleSynAckReceived(seg)
	default:
		if s.State == socket.SynReceived && seg.flags&header.TCPFlagAck != 0 {
			c.handleAckReceived()
		}
		if len(seg.payload) > 0 {
			c.handleData(seg)
		}
		if seg.flags&header.TCPFlagFin != 0 {
			c.handleFin(seg)
		}
		if seg.flags&header.TCPFlagAck != 0 {
			c.handleAck(seg)
		}
	}
}

func (stack *TCPStack) handleSynReceived(seg *segment) {
	stack.mu.Lock()
	l := stack.listeners[seg.dstPort]
	stack.mu.Unlock()
	if l == nil || l.isClosed() {
		stack.log.Debug().Uint16("port", seg.dstPort).Msg("SYN to closed port, sending RST")
		stack.send(&segment{dst: seg.src, flags: header.TCPFlagRst})
		return
	}

	c := stack.newConn(seg.dstPort, seg.src.LocalPort)
	c.peer = seg.src
	c.listener = l
	c.rcvNxt = seg.seq.Add(1)
	c.rcvAcked = c.rcvNxt
	c.sock.State = socket.SynReceived

	stack.log.Debug().Int("sid", c.SID).Uint16("port", seg.dstPort).Msg("SYN received, sending SYN-ACK")
	c.sndNxt = c.iss.Add(1)
	c.sndUna = c.sndNxt
	stack.send(&segment{
		src:   c,
		dst:   seg.src,
		flags: header.TCPFlagSyn | header.TCPFlagAck,
		seq:   c.iss,
		ack:   c.rcvNxt,
	})
}

func (c *VTCPConn) handleSynAckReceived(seg *segment) {
	s := c.sock
	if s.State != socket.SynSent {
		return
	}
	c.peer = seg.src
	c.rcvNxt = seg.seq.Add(1)
	c.rcvAcked = c.rcvNxt
	c.sndUna = seg.ack
	s.State = socket.Established
	c.stack.log.Debug().Int("sid", c.SID).Msg("SYN-ACK received, connection established")
	c.stack.send(&segment{src: c, dst: c.peer, flags: header.TCPFlagAck, seq: c.sndNxt, ack: c.rcvNxt})
	s.Notify(socket.EventsAll)
}

func (c *VTCPConn) handleAckReceived() {
	c.sock.State = socket.Established
	c.stack.log.Debug().Int("sid", c.SID).Msg("ACK received, connection established")
	c.sock.Notify(socket.EventsAll)
	if !c.listener.enqueue(c) {
		c.stack.log.Debug().Int("sid", c.SID).Msg("accept queue full, resetting")
		c.resetLocked()
	}
}

func (c *VTCPConn) handleReset() {
	s := c.sock
	if s.State == socket.SynSent {
		s.Err = tcpip.ErrConnectionRefused
	} else {
		s.Err = tcpip.ErrConnectionReset
	}
	c.stack.log.Debug().Int("sid", c.SID).Stringer("state", s.State).Msg("RST received")
	s.State = socket.Closed
	s.Shutdown = socket.RcvShutdown | socket.SendShutdown
	s.Notify(socket.EventsAll)
}

func (c *VTCPConn) handleData(seg *segment) {
	s := c.sock
	if s.Shutdown&socket.RcvShutdown != 0 || seg.seq != c.rcvNxt {
		return
	}
	s.RecvQueue.Push(seg.payload)
	c.rcvNxt = c.rcvNxt.Add(seqnum.Size(len(seg.payload)))
	s.Notify(waiter.EventIn)
}

func (c *VTCPConn) handleFin(seg *segment) {
	s := c.sock
	c.peerFin = true
	c.rcvNxt = c.rcvNxt.Add(1)
	switch s.State {
	case socket.Established:
		s.State = socket.CloseWait
	case socket.FinWait1:
		s.State = socket.Closing
	case socket.FinWait2:
		s.State = socket.TimeWait
	}
	c.stack.send(&segment{src: c, dst: seg.src, flags: header.TCPFlagAck, finAck: true})
	s.Notify(waiter.EventIn | waiter.EventHUp)
}

// handleAck frees acknowledged send memory and wakes writers.
func (c *VTCPConn) handleAck(seg *segment) {
	s := c.sock
	if seg.finAck {
		switch s.State {
		case socket.FinWait1:
			s.State = socket.FinWait2
		case socket.Closing:
			s.State = socket.TimeWait
		case socket.LastAck:
			s.State = socket.Closed
		}
		s.Notify(socket.EventsAll)
		return
	}

	freed := 0
	for {
		v, ok := s.WriteQueue.Peek()
		if !ok {
			break
		}
		end := c.sndUna.Add(seqnum.Size(len(v)))
		if !end.LessThanEq(seg.ack) {
			break
		}
		s.WriteQueue.Pop()
		c.sndUna = end
		c.stack.Pool.Uncharge(s, len(v))
		freed += len(v)
	}
	if freed == 0 {
		return
	}
	c.rtq.RemoveAckedEntries(seg.ack, c.stack.clock.Now())
	c.stack.Pool.Reclaim(s)
	c.stack.Core.WriteSpace(s)
}
