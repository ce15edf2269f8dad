package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvuspbx/sipcore/internal/collab"
	"github.com/corvuspbx/sipcore/internal/config"
	sipcore "github.com/corvuspbx/sipcore/internal/sip"
)

func slogLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	return logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slogLogger(cfg)

	logger.Info("starting sipcored",
		"listen_udp", cfg.ListenUDP,
		"listen_tcp", cfg.ListenTCP,
		"listen_tls", cfg.ListenTLS,
		"realm", cfg.Realm,
	)

	users := collab.NewMemoryUserStore()

	core, err := sipcore.NewCore(cfg, users, nil, nil, nil, logger)
	if err != nil {
		logger.Error("failed to build sip core", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := core.Start(appCtx); err != nil {
		logger.Error("failed to start sip core", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(core.MetricsCollector())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Addr:         "0.0.0.0:9090",
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("metrics server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	core.Stop()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("sipcored stopped")
}
