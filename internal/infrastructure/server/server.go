package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
)

const shutdownTimeout = 5 * time.Second

// Options configures the admin server.
type Options struct {
	Addr string
	// AllowOrigins enables CORS for browser dashboards. Empty disables it.
	AllowOrigins []string
	Development  bool

	// Status returns the runtime state served on /status. Nil serves 503.
	Status   func() any
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the admin HTTP endpoint of an IPC process.
type Server struct {
	opts    Options
	router  *gin.Engine
	logger  *zap.Logger
	started time.Time
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	IPC     any                        `json:"ipc"`
	Metrics monitoring.MetricsSnapshot `json:"metrics"`
}

// New builds the router. Nothing listens until Run or Serve.
func New(opts Options) *Server {
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		opts:    opts,
		router:  gin.New(),
		logger:  logging.OrNop(opts.Logger).Named("admin"),
		started: time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(monitoring.Middleware(opts.Metrics))
	if len(opts.AllowOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{"Accept", "Origin", "Cache-Control"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s.router.GET("/healthz", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Admin server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) status(c *gin.Context) {
	if s.opts.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no IPC runtime attached"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		IPC:     s.opts.Status(),
		Metrics: s.opts.Metrics.Snapshot(),
	})
}
