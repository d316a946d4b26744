// Package api exposes the HTTP and WebSocket surface: mission execution
// with server-sent event streaming, session inspection, and the pg_notify
// backed WebSocket fan-out.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfleet/maestro/pkg/config"
	"github.com/openfleet/maestro/pkg/events"
	"github.com/openfleet/maestro/pkg/executor"
	"github.com/openfleet/maestro/pkg/state"
)

// Engine is the execution surface the API drives. *executor.Executor
// implements it.
type Engine interface {
	Execute(ctx context.Context, sessionID, query string, opts *executor.RunOptions) (*events.Stream, error)
	Answer(ctx context.Context, sessionID, answer string, opts *executor.RunOptions) (*events.Stream, error)
	Cancel(sessionID string) bool
	Running(sessionID string) bool
}

// Options wires a Server.
type Options struct {
	Engine Engine
	Store  state.Store

	// Manager serves /ws subscriptions. Optional; without it the WebSocket
	// endpoint reports unavailable.
	Manager *events.ConnectionManager

	Config config.ServerConfig
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	engine  Engine
	store   state.Store
	manager *events.ConnectionManager
	cfg     config.ServerConfig
	logger  *slog.Logger

	httpSrv *http.Server
}

// NewServer builds the API server and its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  opts.Engine,
		store:   opts.Store,
		manager: opts.Manager,
		cfg:     opts.Config,
		logger:  logger.With("component", "api"),
	}
	s.httpSrv = &http.Server{
		Addr:    opts.Config.Addr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/ws", s.handleWebSocket)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.DELETE("/sessions/:id", s.deleteSession)
		v1.POST("/sessions/:id/execute", s.execute)
		v1.POST("/sessions/:id/answer", s.answer)
		v1.POST("/sessions/:id/cancel", s.cancel)
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"store":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
