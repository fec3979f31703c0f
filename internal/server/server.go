// Package server is the coordinating replica: the same sync engine as
// every client, plus a durable operation log and fan-out over HTTP,
// websocket and QUIC.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/server/oplog"
)

// Server wires the engine replica, the durable op log and the transports.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	oplog    *oplog.Log
	hub      *wsHub
	logger   log.Log
	metrics  *Metrics
	strategy engine.MergeStrategy

	httpServer *http.Server
	running    atomic.Bool
}

// New assembles a server from its parts.
func New(cfg Config, eng *engine.Engine, olog *oplog.Log, logger log.Log, metrics *Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		oplog:    olog,
		logger:   logger.With(log.String("component", "server")),
		metrics:  metrics,
		strategy: cfg.Strategy(),
	}
	s.hub = newWSHub(logger, metrics)
	return s
}

// Engine exposes the server's replica, mainly for tests and health checks.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync/push", s.handlePush)
	mux.HandleFunc("/v1/sync/pull", s.handlePull)
	mux.HandleFunc("/v1/sync/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// replayLog rebuilds the in-memory replica from the durable log, in
// sequence order, so a restarted server resumes exactly where it stopped.
func (s *Server) replayLog() error {
	token := ""
	total := 0
	for {
		entries, next, hasMore, err := s.oplog.Since(token, s.cfg.PullMaxLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		ops := make([]engine.Operation, len(entries))
		for i, e := range entries {
			ops[i] = e.Op
		}
		if _, err = s.engine.Reconcile(ops, s.strategy); err != nil {
			return err
		}
		total += len(ops)
		token = next
		if !hasMore {
			break
		}
	}
	if total > 0 {
		s.logger.Info("replayed durable log", log.Int("operations", total))
	}
	return nil
}

// Run starts the transports and blocks until ctx is cancelled or a
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer s.running.Store(false)

	if err := s.replayLog(); err != nil {
		return err
	}

	// Only the header read is bounded here; a whole-connection timeout
	// would tear down long-lived websocket clients.
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listener started", log.String("addr", s.cfg.HTTPAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.cfg.QUICAddr != "" {
		g.Go(func() error {
			return s.serveQUIC(ctx, s.cfg.QUICAddr)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down")
	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
}
