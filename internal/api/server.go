// Package api exposes the execution core over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Bosun/internal/broadcast"
	"github.com/CZERTAINLY/Bosun/internal/metrics"
	"github.com/CZERTAINLY/Bosun/internal/model"
	"github.com/CZERTAINLY/Bosun/internal/service"
)

const healthTimeout = 2 * time.Second

// Executions is what the API needs from the execution core.
// *service.Launcher implements it.
type Executions interface {
	Launch(ctx context.Context, req model.LaunchRequest) (service.LaunchResult, error)
	Get(ctx context.Context, id string) (model.Execution, error)
	ListActive() []model.Execution
	History(ctx context.Context) ([]model.Execution, error)
	Cancel(id string) error
}

type Server struct {
	cfg         model.Server
	executions  Executions
	broadcaster *broadcast.Broadcaster
	metrics     metrics.Sink
	gatherer    prometheus.Gatherer
	health      func(context.Context) error
	upgrader    websocket.Upgrader
	started     time.Time
}

func New(cfg model.Server, executions Executions, b *broadcast.Broadcaster) *Server {
	s := &Server{
		cfg:         cfg,
		executions:  executions,
		broadcaster: b,
		metrics:     metrics.NewNoopSink(),
		started:     time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// WithMetrics records request metrics to sink and serves g on /metrics
// when enabled by the configuration.
func (s *Server) WithMetrics(sink metrics.Sink, g prometheus.Gatherer) *Server {
	s.metrics = sink
	s.gatherer = g
	return s
}

// WithHealthCheck makes /healthz report 503 while check fails.
func (s *Server) WithHealthCheck(check func(context.Context) error) *Server {
	s.health = check
	return s
}

// Handler returns the router serving all routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(slog.Default()))
	r.Use(RequestMetrics(s.metrics))
	r.Use(cors.New(s.corsConfig()))

	r.GET("/healthz", s.healthz)
	if s.cfg.Metrics && s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/execute", s.execute)
	api.GET("/executions", s.history)
	api.GET("/executions/active", s.active)
	api.GET("/executions/:id", s.execution)
	api.POST("/executions/:id/cancel", s.cancel)

	r.GET("/ws", s.serveWS)
	return r
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully within server.shutdown_grace.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Grace())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			slog.WarnContext(ctx, "health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) allowAllOrigins() bool {
	return len(s.cfg.CORSOrigins) == 0 || slices.Contains(s.cfg.CORSOrigins, "*")
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if s.allowAllOrigins() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.CORSOrigins
	}
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAllOrigins() {
		return true
	}
	return slices.Contains(s.cfg.CORSOrigins, origin)
}
