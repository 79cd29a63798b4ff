// ABOUTME: Composes the store, sequencer, registry, tracker, and coordinator into one server
// ABOUTME: Owns the HTTP listener, background sweeps, and graceful shutdown ordering

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/saga-sync/internal/broadcast"
	"github.com/2389/saga-sync/internal/config"
	"github.com/2389/saga-sync/internal/dedupe"
	"github.com/2389/saga-sync/internal/metrics"
	"github.com/2389/saga-sync/internal/playback"
	"github.com/2389/saga-sync/internal/registry"
	"github.com/2389/saga-sync/internal/sequencer"
	"github.com/2389/saga-sync/internal/store"
	"github.com/2389/saga-sync/internal/transport"
)

// Gateway is the assembled synchronization server. New wires the
// components; Run serves until the context is canceled.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	closer  io.Closer
	seq     *sequencer.Sequencer
	reg     *registry.Registry
	tracker *playback.Tracker
	metrics *metrics.Metrics
	coord   *broadcast.Coordinator
	signals *dedupe.Cache

	httpServer *http.Server

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// initStore opens the configured event store. An empty database path means
// in-memory, for tests and throwaway sessions.
func initStore(cfg *config.Config, logger *slog.Logger) (sequencer.EventStore, io.Closer, error) {
	if cfg.Database.Path == "" {
		logger.Warn("no database path configured, using in-memory store")
		m := store.NewMemoryStore()
		return m, m, nil
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return s, s, nil
}

// New creates a Gateway from configuration. Nothing is listening or
// sweeping until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eventStore, closer, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	seq := sequencer.New(eventStore, logger)
	tokens := registry.NewTokenIssuer([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL)
	reg := registry.New(tokens, logger)
	tracker := playback.New(logger)
	m := metrics.New()

	coord := broadcast.New(seq, reg, tracker, broadcast.Config{
		QueueSize:           cfg.Broadcast.QueueSize,
		RetryAttempts:       cfg.Broadcast.RetryAttempts,
		RetryBackoff:        cfg.Broadcast.RetryBackoff,
		ReplayLimitTurns:    cfg.Broadcast.ReplayLimitTurns,
		ColdJoinWindowTurns: cfg.Broadcast.ColdJoinWindowTurns,
	}, m, logger)
	seq.SetNotifier(coord)

	signals := dedupe.New(5*time.Minute, 100_000) // TTL 5min, max 100k entries
	srv := transport.NewServer(seq, reg, coord, signals, logger)
	coord.SetPusher(srv)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}
	mux.Handle("/", srv.Router())

	return &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		closer:  closer,
		seq:     seq,
		reg:     reg,
		tracker: tracker,
		metrics: m,
		coord:   coord,
		signals: signals,
		stop:    make(chan struct{}),
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run recovers persisted state, starts the sweeps and the HTTP server, and
// blocks until the context is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.seq.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("recovering sessions: %w", err)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	// Delivery records die with the connection record: once retention
	// deletes a connection its resume point is unreachable anyway.
	g.reg.Start(
		g.config.Connections.SweepInterval,
		g.config.Connections.HeartbeatTimeout,
		g.config.Connections.Retention,
		g.tracker.DropConnection,
	)
	g.startSessionSweep()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startSessionSweep evicts sessions idle past the configured timeout.
// Sessions with a live client never count as idle.
func (g *Gateway) startSessionSweep() {
	interval := g.config.Session.SweepInterval
	if interval <= 0 {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				evicted := g.seq.SweepIdle(g.config.Session.IdleTimeout, func(sessionID string) bool {
					return len(g.reg.ListActive(sessionID)) > 0
				})
				if evicted > 0 {
					g.logger.Info("idle sessions evicted", "count", evicted)
				}
			}
		}
	}()
}

// gracefulShutdown stops intake first, then fan-out, then the sweeps.
// Uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown tears the gateway down in dependency order: HTTP server,
// coordinator workers, registry sweep, caches, store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.httpServer.Shutdown(ctx)

	g.stopOnce.Do(func() { close(g.stop) })
	g.coord.Close()
	g.reg.Close()
	g.signals.Close()
	g.wg.Wait()

	if closeErr := g.closer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	g.logger.Info("gateway shutdown complete")
	return err
}
