package lnxconfig

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"TCP-stream/pkg/stream"
)

type IPConfig struct {
	// HOSTS ONLY:  Timing parameters for TCP
	TcpRtoMin time.Duration `toml:"tcp_rto_min"`
	TcpRtoMax time.Duration `toml:"tcp_rto_max"`

	SendBufferSize int `toml:"send_buffer_size"`
	MSS            int `toml:"mss"`

	// zero means wait forever
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	SendTimeout    time.Duration `toml:"send_timeout"`
	// zero closes without waiting for the FIN exchange
	Linger time.Duration `toml:"linger"`

	MemoryLimitPages    int64 `toml:"memory_limit_pages"`
	MemoryPressurePages int64 `toml:"memory_pressure_pages"`

	LogLevel string `toml:"log_level"`

	Stream stream.Config `toml:"stream"`
}

func Default() *IPConfig {
	return &IPConfig{
		TcpRtoMin:        time.Millisecond,
		TcpRtoMax:        60 * time.Second,
		SendBufferSize:   64 * 1024,
		MSS:              1400,
		ConnectTimeout:   30 * time.Second,
		Linger:           5 * time.Second,
		MemoryLimitPages: 1024,
		LogLevel:         "info",
		Stream:           stream.DefaultConfig(),
	}
}

// ParseConfig reads a TOML file on top of Default.
func ParseConfig(fileName string) (*IPConfig, error) {
	config := Default()
	if _, err := toml.DecodeFile(fileName, config); err != nil {
		return nil, errors.Wrapf(err, "parse %s", fileName)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "parse %s", fileName)
	}
	return config, nil
}

func (c *IPConfig) Validate() error {
	switch {
	case c.SendBufferSize <= 0:
		return errors.Errorf("send_buffer_size must be positive, got %d", c.SendBufferSize)
	case c.MSS <= 0:
		return errors.Errorf("mss must be positive, got %d", c.MSS)
	case c.MemoryLimitPages <= 0:
		return errors.Errorf("memory_limit_pages must be positive, got %d", c.MemoryLimitPages)
	case c.TcpRtoMin > c.TcpRtoMax:
		return errors.Errorf("tcp_rto_min %v above tcp_rto_max %v", c.TcpRtoMin, c.TcpRtoMax)
	case c.ConnectTimeout < 0 || c.SendTimeout < 0 || c.Linger < 0:
		return errors.New("timeouts must not be negative")
	case c.Stream.GraceWait < 0 || c.Stream.GraceJitter < 0:
		return errors.New("grace wait must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	return nil
}

func (c *IPConfig) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
