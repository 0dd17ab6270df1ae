package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/fleetgate/backend/internal/api"
	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/config"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/hitl"
	"github.com/fleetgate/backend/internal/integrity"
	"github.com/fleetgate/backend/internal/metrics"
	"github.com/fleetgate/backend/internal/router"
)

func main() {
	// Local development keeps secrets in .env; deployed environments
	// inject them directly.
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("FLEETGATE_CONFIG"))
	if err != nil {
		slog.Error("Config load failed", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	var handler slog.Handler
	if cfg.Server.Env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	m := metrics.New()

	b, err := broker.New(cfg.Broker)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	signer, err := integrity.NewSigner(cfg.Integrity.KeyPath)
	if err != nil {
		return err
	}
	slog.Info("Script signing key loaded", "publicKey", signer.PublicKey())

	bus := events.NewBus()
	defer bus.Close()

	conns := connmgr.New(m)
	queue := cmdqueue.New(b, bus, m, cfg.Queue.CompletedHistory)
	reaper := cmdqueue.NewReaper(b, cfg.Queue.ReaperInterval, func(n int) {
		m.CommandsExpired.Add(float64(n))
	})
	coordinator := hitl.New(store, conns, bus, m, cfg.Approval)
	ws := router.New(cfg, conns, b, queue, store, bus)
	server := api.New(cfg, conns, b, queue, store, coordinator, m, ws, signer)

	conns.StartHeartbeat(cfg.Heartbeat.Interval)
	reaper.Start()
	coordinator.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadTimeout:       cfg.Server.RequestTimeout,
		ReadHeaderTimeout: cfg.Server.HeadersTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout,
		IdleTimeout:       cfg.Server.KeepAliveTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FleetGate listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	// Drain in dependency order: pending approvals first so waiting
	// callers get a terminal deny, then client connections, then the
	// background workers, then the broker (deferred above).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coordinator.Shutdown(shutdownCtx)
	conns.StopHeartbeat()
	conns.CloseAll()
	reaper.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	slog.Info("FleetGate stopped")
	return nil
}

// newStore selects the catalog backend. Without a DSN the gateway runs
// on the in-memory store, which is only useful for local development.
func newStore(cfg *config.Config) (catalog.Store, error) {
	if cfg.Catalog.DSN == "" {
		slog.Warn("DATABASE_URL not set, using in-memory catalog store")
		return catalog.NewMemory(), nil
	}
	return catalog.NewPostgres(cfg.Catalog.DSN)
}
