// Command dohproxy runs the DNS-to-HTTPS translation proxy: a local
// UDP/TCP DNS listener that forwards every query to a configured DoH
// resolver and returns the wire-format answer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sms1sis/https-dns-proxy-go/internal/config"
	"github.com/sms1sis/https-dns-proxy-go/internal/logging"
	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
	"github.com/sms1sis/https-dns-proxy-go/internal/supervisor"
)

var configFile = flag.String("config", "", "Path to configuration file (YAML)")

func main() {
	flag.Usage = func() {
		const usage = `DNS-to-HTTPS translation proxy

Usage: %s -config <config.yaml>
`
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Error: -config flag is required.")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)

	events := obs.New(cfg.Logging.BufferSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	drainDone := make(chan struct{})
	drainCtx, stopDrain := context.WithCancel(context.Background())
	go func() {
		logging.Drain(drainCtx, logger, events)
		close(drainDone)
	}()

	handle, err := supervisor.Start(cfg, events)
	if err != nil {
		logger.Error("failed to start proxy", "error", err)
		stopDrain()
		os.Exit(1)
	}

	logger.Info("dns-to-https proxy running", "listen_addr", cfg.Server.ListenAddr, "listen_port", cfg.Server.ListenPort)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if err := handle.Stop(); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err)
	}

	stopDrain()
	<-drainDone
	logger.Info("shutdown complete")
}
