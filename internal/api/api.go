// Package api serves captured messages, their renderings and a live event
// stream over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/smtp-sink-lite/internal/ingest"
	"github.com/shineum/smtp-sink-lite/internal/notify"
	"github.com/shineum/smtp-sink-lite/internal/provider"
	"github.com/shineum/smtp-sink-lite/internal/store"
)

// shutdownTimeout bounds graceful shutdown of open HTTP connections.
const shutdownTimeout = 10 * time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the handlers to the rest of the sink.
type Config struct {
	Store    store.Store
	Ingester ingest.Ingester
	Broker   *notify.Broker

	// Relay releases messages to real recipients. Nil disables releasing.
	Relay provider.Provider

	// Redis, when set, is pinged by the health check.
	Redis Pinger

	// Username and Password enable HTTP basic auth when both are set.
	Username string
	Password string
}

type handler struct {
	store    store.Store
	ingester ingest.Ingester
	broker   *notify.Broker
	relay    provider.Provider
	redis    Pinger
}

// NewRouter builds the gin engine serving the API.
func NewRouter(cfg Config) *gin.Engine {
	h := &handler{
		store:    cfg.Store,
		ingester: cfg.Ingester,
		broker:   cfg.Broker,
		relay:    cfg.Relay,
		redis:    cfg.Redis,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", h.health)

	api := r.Group("/api")
	if cfg.Username != "" && cfg.Password != "" {
		api.Use(gin.BasicAuth(gin.Accounts{cfg.Username: cfg.Password}))
	}
	{
		api.GET("/messages", h.listMessages)
		api.POST("/messages", h.createMessage)
		api.DELETE("/messages", h.deleteAll)

		api.GET("/messages/:id/json", h.getMessage)
		api.GET("/messages/:id/source", h.getSource)
		api.GET("/messages/:id/html", h.getHTML)
		api.GET("/messages/:id/plain", h.getPlain)
		api.GET("/messages/:id/parts/:cid", h.getPart)
		api.DELETE("/messages/:id", h.deleteMessage)
		api.POST("/messages/:id/release", h.release)

		api.GET("/events", h.events)
	}

	return r
}

// requestLogger logs every request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

// Server runs the HTTP API until its context is cancelled.
type Server struct {
	srv *http.Server
}

// NewServer creates a Server for handler on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("HTTP API listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown timeout reached, forcing close", "error", err)
		s.srv.Close()
	}
	<-errCh
	return nil
}
