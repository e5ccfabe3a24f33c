package iptcpstack

import (
	"context"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/google/netstack/waiter"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sync/errgroup"

	"TCP-stream/pkg/socket"
	"TCP-stream/pkg/stream"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrListenerClosed = errors.New("listener is closed")
)

var (
	writableStates = socket.States(socket.Established, socket.CloseWait)
	// states in which a reader may still see data arrive
	readWaitStates = socket.States(socket.SynSent, socket.SynReceived, socket.Established, socket.FinWait1, socket.FinWait2)
)

type VTCPConn struct {
	SID        int
	LocalPort  uint16
	RemotePort uint16

	stack    *TCPStack
	sock     *socket.Socket
	peer     *VTCPConn
	listener *VTCPListener

	// everything below is guarded by the socket lock
	iss      seqnum.Value
	sndUna   seqnum.Value
	sndNxt   seqnum.Value
	rcvNxt   seqnum.Value
	rcvAcked seqnum.Value // what the reader has consumed and we acked
	peerFin  bool
	closed   bool

	rtq     *RetransmissionQueue
	readBuf *ringbuffer.RingBuffer
}

type VTCPListener struct {
	SID         int
	AcceptQueue chan *VTCPConn
	LocalPort   uint16

	stack  *TCPStack
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (stack *TCPStack) newConn(localPort, remotePort uint16) *VTCPConn {
	c := &VTCPConn{
		LocalPort:  localPort,
		RemotePort: remotePort,
		stack:      stack,
		sock:       socket.NewSocket(0, stack.Config.SendBufferSize, stack.Pool),
		iss:        seqnum.Value(rand.Uint32()),
		rtq:        NewRetransmissionQueue(stack.TcpRtoMin, stack.TcpRtoMax),
		// segments never exceed the MSS, so one always fits
		readBuf: ringbuffer.New(stack.Config.MSS),
	}
	c.SID = stack.register(&Socket{Conn: c})
	c.sock.SID = c.SID
	return c
}

func (stack *TCPStack) VListen(port uint16) (*VTCPListener, error) {
	l := &VTCPListener{
		AcceptQueue: make(chan *VTCPConn, 100),
		LocalPort:   port,
		stack:       stack,
		done:        make(chan struct{}),
	}

	stack.mu.Lock()
	if _, ok := stack.listeners[port]; ok {
		stack.mu.Unlock()
		return nil, errors.Errorf("port %d already in use", port)
	}
	stack.listeners[port] = l
	stack.mu.Unlock()

	l.SID = stack.register(&Socket{Listen: l})
	stack.log.Debug().Int("sid", l.SID).Uint16("port", port).Msg("listening")
	return l, nil
}

func (l *VTCPListener) VAccept(ctx context.Context) (*VTCPConn, error) {
	select {
	case conn := <-l.AcceptQueue:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "accept")
	}
}

// VClose stops accepting and resets every connection still in the queue.
func (l *VTCPListener) VClose() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	l.stack.mu.Lock()
	delete(l.stack.listeners, l.LocalPort)
	l.stack.mu.Unlock()
	l.stack.remove(l.SID)

	for {
		select {
		case c := <-l.AcceptQueue:
			c.sock.Lock()
			c.resetLocked()
			c.sock.Unlock()
		default:
			return nil
		}
	}
}

func (l *VTCPListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// enqueue hands an established connection to VAccept without blocking.
func (l *VTCPListener) enqueue(c *VTCPConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.AcceptQueue <- c:
		return true
	default:
		return false
	}
}

func (stack *TCPStack) VConnect(ctx context.Context, port uint16) (*VTCPConn, error) {
	stack.mu.Lock()
	localPort := stack.nextPort
	stack.nextPort++
	stack.mu.Unlock()

	c := stack.newConn(localPort, port)
	s := c.sock
	s.Lock()
	defer s.Unlock()

	s.State = socket.SynSent
	c.sndUna = c.iss
	c.sndNxt = c.iss.Add(1)
	stack.log.Debug().Int("sid", c.SID).Uint16("port", port).Msg("sending SYN")
	stack.send(&segment{src: c, dstPort: port, flags: header.TCPFlagSyn, seq: c.iss})

	timeo := stack.timeout(stack.Config.ConnectTimeout)
	if err := stack.Core.WaitConnect(ctx, s, &timeo); err != nil {
		s.State = socket.Closed
		c.destroyLocked()
		return nil, errors.Wrapf(err, "connect to port %d", port)
	}
	return c, nil
}

// VWrite copies data into the send queue, sleeping while the send buffer or
// the global pool is full. A short count is returned with a nil error when
// some bytes were queued before the connection failed.
func (c *VTCPConn) VWrite(ctx context.Context, data []byte, flags stream.MsgFlags) (int, error) {
	s := c.sock
	core := c.stack.Core
	s.Lock()
	defer s.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	timeo := c.stack.timeout(c.stack.Config.SendTimeout)
	if flags&stream.MsgDontWait != 0 {
		timeo = 0
	}

	if !s.State.In(writableStates) {
		if err := core.WaitConnect(ctx, s, &timeo); err != nil {
			return 0, errors.Wrap(core.Error(ctx, s, flags, err), "vwrite")
		}
	}

	copied := 0
	var err error
	for copied < len(data) {
		if s.Err != nil || s.SendShutdownSet() {
			err = stream.ErrBrokenPipe
			break
		}

		n := min(len(data)-copied, c.stack.Config.MSS, s.WriteSpace())
		if n <= 0 || !c.stack.Pool.Schedule(s, n) {
			s.SetFlag(socket.NoSpace)
			if err = core.WaitMemory(ctx, s, &timeo); err != nil {
				break
			}
			continue
		}

		c.stack.Pool.Charge(s, n)
		v := buffer.NewViewFromBytes(data[copied : copied+n])
		s.WriteQueue.Push(v)
		c.rtq.AddEntry(c.sndNxt, n, c.stack.clock.Now())
		c.stack.send(&segment{
			src:     c,
			dst:     c.peer,
			flags:   header.TCPFlagAck,
			seq:     c.sndNxt,
			ack:     c.rcvAcked,
			payload: v,
		})
		c.sndNxt = c.sndNxt.Add(seqnum.Size(n))
		copied += n
	}

	if copied > 0 {
		return copied, nil
	}
	return 0, errors.Wrap(core.Error(ctx, s, flags, err), "vwrite")
}

// VRead returns io.EOF once the peer has finished sending and everything
// before its FIN was read.
func (c *VTCPConn) VRead(ctx context.Context, buf []byte) (int, error) {
	s := c.sock
	s.Lock()
	defer s.Unlock()

	readable := func() bool {
		return !c.readBuf.IsEmpty() || !s.RecvQueue.Empty() ||
			s.Err != nil || c.peerFin || c.closed ||
			s.Shutdown&socket.RcvShutdown != 0
	}

	timeo := socket.WaitForever
	for !readable() {
		if !s.State.In(readWaitStates) {
			return 0, ErrClosed
		}
		if !s.WaitEvent(ctx, c.stack.clock, &timeo, waiter.EventIn|waiter.EventErr|waiter.EventHUp, readable) && ctx.Err() != nil {
			return 0, errors.Wrap(ctx.Err(), "vread")
		}
	}

	n := 0
	for n < len(buf) {
		if c.readBuf.IsEmpty() {
			v, ok := s.RecvQueue.Pop()
			if !ok {
				break
			}
			c.readBuf.Write(v)
		}
		m, _ := c.readBuf.Read(buf[n:])
		n += m
	}

	if n > 0 {
		c.rcvAcked = c.rcvAcked.Add(seqnum.Size(n))
		c.stack.send(&segment{src: c, dst: c.peer, flags: header.TCPFlagAck, seq: c.sndNxt, ack: c.rcvAcked})
		return n, nil
	}

	switch {
	case c.closed:
		return 0, ErrClosed
	case s.Err != nil:
		return 0, errors.Wrap(stream.FromTCPIP(s.TakeError()), "vread")
	}
	return 0, io.EOF
}

// VShutdown ends the sending direction. Writers blocked for memory wake
// up with a broken pipe.
func (c *VTCPConn) VShutdown() error {
	s := c.sock
	s.Lock()
	defer s.Unlock()

	if c.closed {
		return ErrClosed
	}
	if s.SendShutdownSet() {
		return nil
	}
	if err := c.sendFinLocked(); err != nil {
		return err
	}
	s.Notify(socket.EventsAll)
	return nil
}

func (c *VTCPConn) sendFinLocked() error {
	s := c.sock
	switch s.State {
	case socket.Established:
		s.State = socket.FinWait1
	case socket.CloseWait:
		s.State = socket.LastAck
	default:
		return errors.Errorf("cannot send FIN in state %v", s.State)
	}
	s.Shutdown |= socket.SendShutdown
	c.stack.log.Debug().Int("sid", c.SID).Stringer("state", s.State).Msg("sending FIN")
	c.stack.send(&segment{src: c, dst: c.peer, flags: header.TCPFlagFin | header.TCPFlagAck, seq: c.sndNxt, ack: c.rcvAcked})
	return nil
}

// VClose closes both directions. Unread data aborts the connection with a
// RST; otherwise a FIN is sent and the close lingers for the FIN exchange.
func (c *VTCPConn) VClose(ctx context.Context) error {
	s := c.sock
	s.Lock()
	defer s.Unlock()

	if c.closed {
		return nil
	}
	s.Shutdown |= socket.RcvShutdown

	if !c.readBuf.IsEmpty() || !s.RecvQueue.Empty() {
		c.stack.log.Debug().Int("sid", c.SID).Int("unread", c.readBuf.Length()+s.RecvQueue.Bytes()).Msg("closing with unread data, sending RST")
		c.resetLocked()
		return nil
	}

	if !s.SendShutdownSet() && s.State.In(writableStates) {
		if err := c.sendFinLocked(); err != nil {
			return err
		}
	}
	s.Notify(socket.EventsAll)

	c.stack.Core.WaitClose(ctx, s, c.stack.Config.Linger)
	c.destroyLocked()
	return nil
}

func (c *VTCPConn) resetLocked() {
	s := c.sock
	if c.peer != nil {
		c.stack.send(&segment{src: c, dst: c.peer, flags: header.TCPFlagRst})
	}
	s.State = socket.Closed
	s.Shutdown = socket.RcvShutdown | socket.SendShutdown
	c.destroyLocked()
}

// destroyLocked drops everything the connection still owns and takes it out
// of the socket table. Segments that arrive afterwards are answered as if
// the port were closed.
func (c *VTCPConn) destroyLocked() {
	s := c.sock
	if c.closed {
		return
	}
	c.closed = true

	for {
		v, ok := s.WriteQueue.Pop()
		if !ok {
			break
		}
		c.stack.Pool.Uncharge(s, len(v))
	}
	c.rtq.Reset()
	c.readBuf.Reset()
	c.stack.Core.KillQueues(s)
	if s.State != socket.TimeWait {
		s.State = socket.Closed
	}
	c.stack.remove(c.SID)
	s.Notify(socket.EventsAll)
	c.stack.log.Debug().Int("sid", c.SID).Msg("connection destroyed")
}

// OnWriteSpace registers fn for asynchronous send-space notifications. fn
// runs on the stack's callback goroutine with no socket lock held, so it may
// call any method of the connection. Events are delivered in order.
func (c *VTCPConn) OnWriteSpace(fn socket.AsyncSubscriber) (cancel func()) {
	return c.sock.Async.Subscribe(func(ev socket.AsyncEvent) {
		c.stack.callbacks.push(func() { fn(ev) })
	})
}

func (c *VTCPConn) State() socket.SocketStatus {
	c.sock.Lock()
	defer c.sock.Unlock()
	return c.sock.State
}

// SRTT is the smoothed time from sending data to the peer reading it.
func (c *VTCPConn) SRTT() time.Duration {
	c.sock.Lock()
	defer c.sock.Unlock()
	return c.rtq.SRTT
}

//sendfile connects, streams the whole file and closes
func SendFile(ctx context.Context, stack *TCPStack, filepath string, port uint16) (int, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	conn, err := stack.VConnect(ctx, port)
	if err != nil {
		return 0, err
	}
	defer conn.VClose(ctx)

	buf := make([]byte, stack.Config.MSS*4)
	totalBytes := 0
	for {
		n, err := file.Read(buf)
		for written := 0; written < n; {
			m, werr := conn.VWrite(ctx, buf[written:n], stream.MsgNoSignal)
			written += m
			totalBytes += m
			if werr != nil {
				return totalBytes, errors.Wrap(werr, "failed to write to connection")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return totalBytes, errors.Wrap(err, "failed to read from file")
		}
	}
	return totalBytes, conn.VShutdown()
}

//receivefile accepts one connection and copies it into filepath until EOF
func ReceiveFile(ctx context.Context, l *VTCPListener, filepath string) (int, error) {
	file, err := os.Create(filepath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create file")
	}
	defer file.Close()

	conn, err := l.VAccept(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to accept connection")
	}
	defer conn.VClose(ctx)

	buf := make([]byte, l.stack.Config.MSS)
	totalBytes := 0
	for {
		n, err := conn.VRead(ctx, buf)
		if err == io.EOF {
			return totalBytes, nil
		}
		if err != nil {
			return totalBytes, errors.Wrap(err, "failed to read from connection")
		}
		written, err := file.Write(buf[:n])
		totalBytes += written
		if err != nil {
			return totalBytes, errors.Wrap(err, "failed to write to file")
		}
	}
}

// LoopbackTransfer copies src to dst through a connection on port of the
// same stack and returns the bytes received.
func LoopbackTransfer(ctx context.Context, stack *TCPStack, src, dst string, port uint16) (int, error) {
	l, err := stack.VListen(port)
	if err != nil {
		return 0, err
	}
	defer l.VClose()

	var sent, received int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		received, err = ReceiveFile(gctx, l, dst)
		return err
	})
	g.Go(func() (err error) {
		sent, err = SendFile(gctx, stack, src, port)
		return err
	})
	if err := g.Wait(); err != nil {
		return received, err
	}
	if sent != received {
		return received, errors.Errorf("sent %d bytes but received %d", sent, received)
	}
	return received, nil
}
