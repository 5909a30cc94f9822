// Command dpcap attaches the dataplane engine to a set of ports, captures
// everything that arrives on them, optionally writes a pcap file, and
// exports per-port counters over HTTP for Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuuki/go-dataplane/dataplane"
	"github.com/yuuki/go-dataplane/internal/config"
	"github.com/yuuki/go-dataplane/internal/netdev"
	"github.com/yuuki/go-dataplane/internal/server"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		// the flag package has already printed syntax errors with usage;
		// errors from validating the values are printed here.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("dpcap %s (commit %s, %s)\n", version, commit, runtime.Version())
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting dataplane capture",
		"listen_address", cfg.ListenAddress,
		"metrics_path", cfg.MetricsPath,
		"health_path", cfg.HealthPath,
		"platform", cfg.Platform,
		"ports", len(cfg.Ports),
		"qlen", cfg.QLen,
		"pcap", cfg.PcapFile,
	)

	engine, err := dataplane.New(dataplane.Config{
		Platform:       cfg.Platform,
		SocketRecvSize: cfg.SnapLen,
		QLen:           cfg.QLen,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("engine start failed", "err", err)
		os.Exit(1)
	}

	for _, spec := range cfg.Ports {
		if err := engine.PortAdd(spec.Interface, spec.Device, spec.Port); err != nil {
			logger.Error("port add failed", "spec", spec, "err", err)
			engine.Kill()
			os.Exit(1)
		}
	}

	if cfg.PcapFile != "" {
		if err := engine.StartPcap(cfg.PcapFile); err != nil {
			logger.Error("pcap start failed", "path", cfg.PcapFile, "err", err)
			engine.Kill()
			os.Exit(1)
		}
	}

	opts := []dataplane.Option{}
	if provider, err := netdev.NewEthtoolStatsProvider(); err == nil {
		defer provider.Close()
		opts = append(opts, dataplane.WithNetDevStats(provider))
	} else {
		logger.Warn("interface statistics disabled", "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		dataplane.NewCollector(engine, logger, opts...),
	)

	srv := server.New(server.Options{
		ListenAddress: cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, engine.Alive, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("server exited with error", "err", serveErr)
		exitCode = 1
	}

	if cfg.PcapFile != "" {
		if err := engine.StopPcap(); err != nil {
			logger.Error("pcap stop failed", "err", err)
		}
	}
	engine.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
	os.Exit(exitCode)
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
