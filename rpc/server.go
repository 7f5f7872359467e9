// Package rpc exposes the ledger over HTTP: signed invocations, read-only
// queries and a websocket event stream.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"subledger/core"
	"subledger/core/types"
	"subledger/indexer"
)

const (
	maxRequestBody   = 1 << 20
	defaultQueryPage = 100
	maxQueryPage     = 1000
	shutdownTimeout  = 10 * time.Second
)

// Config tunes the HTTP surface. A zero RateLimitPerSec disables rate
// limiting and an empty JWTSecret disables bearer authentication.
type Config struct {
	JWTSecret         string
	JWTIssuer         string
	JWTAudience       string
	RateLimitPerSec   float64
	RateLimitBurst    int
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
}

// EventIndex answers filtered event queries.
type EventIndex interface {
	Search(ctx context.Context, q indexer.Query) ([]types.LoggedEvent, error)
	CountByType(ctx context.Context) (map[string]int64, error)
}

// Server serves the ledger node over HTTP.
type Server struct {
	node    *core.Node
	index   EventIndex
	cfg     Config
	logger  *slog.Logger
	limiter *rateLimiter
	auth    *authenticator
}

// NewServer builds a server for node.
func NewServer(node *core.Node, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:    node,
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		auth:    newAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, logger),
	}
}

// SetIndex enables the /v1/index routes.
func (s *Server) SetIndex(index EventIndex) {
	s.index = index
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(observe(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.middleware)
		v1.With(s.auth.middleware).Post("/invoke", s.handleInvoke)

		v1.Get("/status", s.handleStatus)
		v1.Get("/methods", s.handleMethods)
		v1.Get("/config", s.handleConfig)

		v1.Route("/subscriptions/{id}", func(sr chi.Router) {
			sr.Get("/", s.handleSubscription)
			sr.Get("/approvals/{approvalId}", s.handleApproval)
			sr.Get("/lock", s.handleLock)
			sr.Get("/cycle", s.handleCycle)
			sr.Get("/timestamps", s.handleTimestamps)
			sr.Get("/logs", s.handleLogs)
		})
		v1.Get("/agents/{address}", s.handleAgent)
		v1.Get("/metadata/{id}", s.handleMetadata)
		v1.Get("/users/{address}/metadata", s.handleUserMetadata)

		v1.Get("/events", s.handleEvents)
		v1.Get("/events/ws", s.handleEventsWS)

		v1.Get("/index/events", s.handleIndexSearch)
		v1.Get("/index/stats", s.handleIndexStats)
	})
	return otelhttp.NewHandler(r, "subledger-rpc")
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	readHeader := s.cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rpc listening", slog.String("address", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
