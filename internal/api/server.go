// Package api is the HTTP surface of the server process: the send path,
// delivery status callbacks, bounce and unsubscribe intake, suppression
// administration, the realtime stream and the provider webhooks.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/export"
	"github.com/ignite/deliverytrack/internal/mailflow"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/realtime"
	"github.com/ignite/deliverytrack/internal/tracking"
)

// S3Export configures server-side suppression exports to S3.
type S3Export struct {
	Client export.S3API
	Bucket string
	Prefix string
}

// Deps are the collaborators the handlers use. Flow and Broadcaster are
// required; the rest are optional.
type Deps struct {
	Flow             *mailflow.Flow
	Broadcaster      *realtime.Broadcaster
	Metrics          *metrics.Metrics
	SESWebhook       http.Handler
	SparkPostWebhook http.Handler
	S3Export         *S3Export
	// Tracking serves the public tracking links from this process too.
	// Set in single-node (bolt) mode where no separate tracking process
	// can open the store.
	Tracking *tracking.Handler
	Now      func() time.Time
}

// Server is the API server.
type Server struct {
	config config.ServerConfig
	deps   Deps
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{config: cfg, deps: deps}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeoutSec) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("[API] listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
