package repl

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TCP-stream/pkg/iptcpstack"
	"TCP-stream/pkg/lnxconfig"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRepl(t *testing.T) {
	stack, err := iptcpstack.InitializeTCP(lnxconfig.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer stack.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := strings.NewReader(strings.Join([]string{
		"a 80",
		"c 80",
		"s 2 hello there",
		"r 3 64",
		"ls",
		"stats",
		"c 81",
		"r nope 1",
		"bogus",
		"q",
		"ls",
	}, "\n"))
	var out safeBuffer
	StartRepl(ctx, stack, in, &out)

	got := out.String()
	assert.Contains(t, got, "Created listen socket with ID 1")
	assert.Contains(t, got, "Created new socket with ID 2")
	assert.Contains(t, got, "Wrote 11 bytes")
	assert.Contains(t, got, "Read 11 bytes: hello there")
	assert.Contains(t, got, "LISTEN")
	assert.Contains(t, got, "ESTABLISHED")
	assert.Contains(t, got, "ConnectWaits")
	assert.Contains(t, got, "error: connect to port 81")
	assert.Contains(t, got, `bad socket ID "nope"`)
	assert.Contains(t, got, "commands:")
	// nothing after q runs
	assert.Equal(t, 1, strings.Count(got, "SID"))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "created new socket 3")
	}, time.Second, time.Millisecond)
}
