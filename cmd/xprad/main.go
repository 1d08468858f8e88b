package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gitmirrors2/xpra/certs"
	"github.com/gitmirrors2/xpra/config"
	"github.com/gitmirrors2/xpra/server"
)

var version = "dev"

func main() {
	var (
		configPath = pflag.String("config", "", "path to YAML configuration file")
		addr       = pflag.String("addr", "", "listen address (overrides config)")
		logLevel   = pflag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid flags", "error", err)
			os.Exit(1)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.CertValidity())
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	server.Version = version
	srv, err := server.New(server.Config{
		Addr:               cfg.Server.Address,
		Cert:               cert,
		IdleTimeout:        cfg.IdleTimeout(),
		GracePercent:       cfg.Session.GracePercent,
		BandwidthLimit:     cfg.Session.BandwidthLimit,
		BandwidthDetection: cfg.Session.BandwidthDetection,
		AVSync:             cfg.Session.AVSync,
		AVSyncDelta:        cfg.Session.AVSyncDelta,
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	slog.Info("xprad starting",
		"version", version,
		"addr", cfg.Server.Address,
		"idle_timeout", cfg.IdleTimeout(),
		"bandwidth_limit", cfg.Session.BandwidthLimit,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
