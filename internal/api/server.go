package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/scheduler"
	"github.com/t77yq/agent-scheduler/internal/service"
)

// StatsSource supplies the latest monitor snapshot
type StatsSource interface {
	Snapshot() *model.SchedulerStats
}

// Config configures the HTTP server
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server exposes the control operations over HTTP
type Server struct {
	logger  *zap.Logger
	control *service.ControlService
	stats   StatsSource
	server  *http.Server
}

// NewServer builds the router and wraps it in CORS
func NewServer(config Config, control *service.ControlService, stats StatsSource, logger *zap.Logger) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		control: control,
		stats:   stats,
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.Router())

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", s.getMetrics)

	g := r.Group("/scheduler")
	g.POST("", s.createSchedule)
	g.GET("", s.listSchedules)
	g.GET("/:id", s.getSchedule)
	g.POST("/:id/pause", s.pauseSchedule)
	g.POST("/:id/resume", s.resumeSchedule)
	g.DELETE("/:id", s.deleteSchedule)
	g.GET("/:id/logs", s.listRuns)
	g.GET("/:id/runs", s.listRuns)

	return r
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// writeError maps service errors onto status codes
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTransition):
		status = http.StatusConflict
	default:
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
