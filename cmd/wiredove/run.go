package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/metrics"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/transport"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Error("shutdown incomplete", "error", err)
		}
	}()

	a.logger.LogStartup(version, commit, map[string]interface{}{
		"storage": cfg.Storage.Driver,
		"socket":  cfg.Transport.SocketURL != "",
		"swarm":   cfg.Transport.Swarm.Enabled,
		"sync":    cfg.Sync.Enabled,
	})

	inbound := &transport.Inbound{
		Store:    a.store,
		Requests: a.queue,
		Seen:     a.scheduler,
		Logger:   a.logger.WithComponent("inbound"),
	}

	pair := &transport.Pair{}
	if cfg.Transport.SocketURL != "" {
		socket := transport.NewSocket(cfg.Transport.SocketURL, inbound.Handle, transport.WithSocketLogger(a.logger))
		go socket.Run(ctx)
		pair.Socket = socket
	}
	if cfg.Transport.Swarm.Enabled {
		swarm, err := transport.NewSwarm(ctx, cfg.Transport.Swarm, inbound.Handle, a.logger)
		if err != nil {
			return fmt.Errorf("failed to start swarm: %w", err)
		}
		defer swarm.Close()
		for _, addr := range swarm.Addrs() {
			a.logger.Info("swarm listening", "addr", addr)
		}
		pair.Swarm = swarm
	}
	a.queue.Register(pair)

	if cfg.Sync.Enabled {
		a.scheduler.Start(ctx)
	}

	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics.Listen, a.diagnostics())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	// The first home view walks ancestor chains and queues what is missing.
	home := a.orch.StartHome(ctx)
	a.logger.Info("home view ready", "entries", home.Len())

	<-ctx.Done()
	a.logger.LogShutdown("signal received")
	return nil
}

func metricsServer(addr string, diag *ops.DiagnosticsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprint(w, diag.CollectAll(r.Context()).FormatAsText())
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
