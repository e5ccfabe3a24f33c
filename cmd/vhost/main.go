package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"TCP-stream/pkg/iptcpstack"
	"TCP-stream/pkg/lnxconfig"
	"TCP-stream/pkg/repl"
	"TCP-stream/pkg/stream"
)

func main() {
	if len(os.Args) != 3 || os.Args[1] != "--config" {
		fmt.Printf("Usage:  %s --config <toml file>\n", os.Args[0])
		os.Exit(1)
	}
	fileName := os.Args[2]
	lnxConfig, err := lnxconfig.ParseConfig(fileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lnxConfig.Level()).
		With().
		Timestamp().
		Logger()

	//sets everything up
	stack, err := iptcpstack.InitializeTCP(lnxConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize stack")
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// a broken pipe must not kill the host
	ctx = stream.WithSignalHandler(ctx, func(sig syscall.Signal) {
		log.Warn().Stringer("signal", sig).Msg("write on a broken connection")
	})

	log.Info().
		Int("send_buffer", lnxConfig.SendBufferSize).
		Int("mss", lnxConfig.MSS).
		Int64("pool_pages", lnxConfig.MemoryLimitPages).
		Msg("stack ready")
	repl.StartRepl(ctx, stack, os.Stdin, os.Stdout)
}
