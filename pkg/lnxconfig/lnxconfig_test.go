package lnxconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseConfig(t *testing.T) {
	path := writeConfig(t, `
send_buffer_size = 8192
mss = 512
send_timeout = "250ms"
memory_limit_pages = 16
memory_pressure_pages = 12
log_level = "debug"

[stream]
grace_wait = "5ms"
grace_jitter = "50ms"
`)
	config, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, config.SendBufferSize)
	assert.Equal(t, 512, config.MSS)
	assert.Equal(t, 250*time.Millisecond, config.SendTimeout)
	assert.Equal(t, int64(16), config.MemoryLimitPages)
	assert.Equal(t, int64(12), config.MemoryPressurePages)
	assert.Equal(t, 5*time.Millisecond, config.Stream.GraceWait)
	assert.Equal(t, 50*time.Millisecond, config.Stream.GraceJitter)
	assert.Equal(t, zerolog.DebugLevel, config.Level())

	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, config.ConnectTimeout)
	assert.Equal(t, 60*time.Second, config.TcpRtoMax)
}

func TestParseConfig_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"syntax":    `mss = `,
		"mss":       `mss = 0`,
		"rto":       "tcp_rto_min = \"2s\"\ntcp_rto_max = \"1s\"",
		"log level": `log_level = "loud"`,
		"negative":  `linger = "-1s"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_Missing(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDefaultValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
