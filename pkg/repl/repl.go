package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"

	"TCP-stream/pkg/iptcpstack"
	"TCP-stream/pkg/socket"
)

const usage = `commands:
  a <port>              listen on port and accept in the background
  c <port>              connect to port
  s <sid> <text>        send text
  r <sid> <n>           read up to n bytes
  sd <sid>              shut down the sending side
  cl <sid>              close
  sf <file> <port>      send a file
  rf <file> <port>      receive one file on port
  lt <src> <dst> <port> copy src to dst over a loopback connection
  ls                    list sockets
  stats                 core counters
  q                     quit`

// lockedWriter serializes the prompt with output from accept goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// StartRepl reads commands from in until EOF, q or ctx is done.
func StartRepl(ctx context.Context, stack *iptcpstack.TCPStack, in io.Reader, w io.Writer) {
	out := &lockedWriter{w: w}
	reader := bufio.NewScanner(in)
	for ctx.Err() == nil {
		fmt.Fprint(out, "> ")
		if !reader.Scan() {
			break
		}
		fields := strings.Fields(reader.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" {
			return
		}
		if err := run(ctx, stack, fields, reader.Text(), out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func run(ctx context.Context, stack *iptcpstack.TCPStack, fields []string, line string, out io.Writer) error {
	switch fields[0] {
	case "ls":
		listSockets(stack, out)
	case "stats":
		printStats(stack, out)
	case "a":
		port, err := argPort(fields, 1)
		if err != nil {
			return err
		}
		l, err := stack.VListen(port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Created listen socket with ID %d\n", l.SID)
		go func() {
			for {
				conn, err := l.VAccept(ctx)
				if err != nil {
					return
				}
				fmt.Fprintf(out, "New connection on socket %d => created new socket %d\n", l.SID, conn.SID)
			}
		}()
	case "c":
		port, err := argPort(fields, 1)
		if err != nil {
			return err
		}
		conn, err := stack.VConnect(ctx, port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Created new socket with ID %d\n", conn.SID)
	case "s":
		conn, err := argConn(stack, fields)
		if err != nil {
			return err
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return errors.New("usage: s <sid> <text>")
		}
		n, err := conn.VWrite(ctx, []byte(parts[2]), 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d bytes\n", n)
	case "r":
		conn, err := argConn(stack, fields)
		if err != nil {
			return err
		}
		if len(fields) != 3 {
			return errors.New("usage: r <sid> <n>")
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil || size <= 0 {
			return errors.Errorf("bad byte count %q", fields[2])
		}
		buf := make([]byte, size)
		n, err := conn.VRead(ctx, buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Read %d bytes: %s\n", n, buf[:n])
	case "sd":
		conn, err := argConn(stack, fields)
		if err != nil {
			return err
		}
		return conn.VShutdown()
	case "cl":
		conn, err := argConn(stack, fields)
		if err != nil {
			return err
		}
		return conn.VClose(ctx)
	case "sf":
		port, err := argPort(fields, 2)
		if err != nil {
			return err
		}
		n, err := iptcpstack.SendFile(ctx, stack, fields[1], port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Sent %d total bytes\n", n)
	case "rf":
		port, err := argPort(fields, 2)
		if err != nil {
			return err
		}
		l, err := stack.VListen(port)
		if err != nil {
			return err
		}
		defer l.VClose()
		n, err := iptcpstack.ReceiveFile(ctx, l, fields[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Received %d total bytes\n", n)
	case "lt":
		port, err := argPort(fields, 3)
		if err != nil {
			return err
		}
		n, err := iptcpstack.LoopbackTransfer(ctx, stack, fields[1], fields[2], port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Transferred %d total bytes\n", n)
	default:
		fmt.Fprintln(out, usage)
	}
	return nil
}

func argPort(fields []string, i int) (uint16, error) {
	if len(fields) <= i {
		return 0, errors.Errorf("usage: %s", strings.Join(fields, " "))
	}
	port, err := strconv.ParseUint(fields[i], 10, 16)
	if err != nil {
		return 0, errors.Errorf("bad port %q", fields[i])
	}
	return uint16(port), nil
}

func argConn(stack *iptcpstack.TCPStack, fields []string) (*iptcpstack.VTCPConn, error) {
	if len(fields) < 2 {
		return nil, errors.New("missing socket ID")
	}
	sid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, errors.Errorf("bad socket ID %q", fields[1])
	}
	sock := stack.FindSocket(sid)
	if sock == nil || sock.Conn == nil {
		return nil, errors.Errorf("no connection with ID %d", sid)
	}
	return sock.Conn, nil
}

func listSockets(stack *iptcpstack.TCPStack, out io.Writer) {
	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLPort\tRPort\tStatus")
	for _, sock := range stack.ListSockets() {
		switch {
		case sock.Listen != nil:
			fmt.Fprintf(w, "%d\t%d\t-\t%v\n", sock.SID, sock.Listen.LocalPort, socket.Listening)
		case sock.Conn != nil:
			fmt.Fprintf(w, "%d\t%d\t%d\t%v\n", sock.SID, sock.Conn.LocalPort, sock.Conn.RemotePort, sock.Conn.State())
		}
	}
	w.Flush()
}

func printStats(stack *iptcpstack.TCPStack, out io.Writer) {
	st := stack.Stats()
	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	for _, row := range []struct {
		name  string
		value uint64
	}{
		{"ConnectWaits", st.ConnectWaits.Value()},
		{"CloseWaits", st.CloseWaits.Value()},
		{"CloseWaitTimeouts", st.CloseWaitTimeouts.Value()},
		{"MemoryWaits", st.MemoryWaits.Value()},
		{"MemoryWaitTimeouts", st.MemoryWaitTimeouts.Value()},
		{"MemoryPressure", st.MemoryPressure.Value()},
		{"GraceWaits", st.GraceWaits.Value()},
		{"Interrupts", st.Interrupts.Value()},
		{"WriteSpaceWakeups", st.WriteSpaceWakeups.Value()},
		{"AsyncSpaceNotifies", st.AsyncSpaceNotifies.Value()},
		{"BrokenPipeSignals", st.BrokenPipeSignals.Value()},
		{"PurgedBuffers", st.PurgedBuffers.Value()},
		{"TeardownWarnings", st.TeardownWarnings.Value()},
	} {
		fmt.Fprintf(w, "%s\t%d\n", row.name, row.value)
	}
	fmt.Fprintf(w, "PoolPages\t%d/%d\n", stack.Pool.Allocated(), stack.Pool.Limit())
	w.Flush()
}
