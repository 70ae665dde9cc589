// Package api is the HTTP surface: pipeline job triggers, status, and the
// activity websocket channel.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"jobserver/pkg/activity"
	"jobserver/pkg/api/middleware"
	"jobserver/pkg/logger"
	"jobserver/pkg/models"
	"jobserver/pkg/registry"
	"jobserver/pkg/scheduler"
	"jobserver/pkg/store"
)

// pipelineWorker is the subset of *scheduler.Scheduler the API needs,
// requested from the registry via a type assertion so the registry package
// itself never depends on the scheduler.
type pipelineWorker interface {
	registry.Worker
	CreateJob(ctx context.Context, id string, data models.RawJSON) (*models.Job, error)
	CancelJob(ctx context.Context, id string) error
	PauseJob(ctx context.Context, id string) error
	ResumeJob(ctx context.Context, id string) error
	GetStats() scheduler.Stats
}

// Config wires a Server to its dependencies.
type Config struct {
	Port         string
	MigrationKey string
	Registry     *registry.Registry
	Store        store.Store
	Activity     *activity.Stream
	WSBridge     *activity.WSBridge
	// PipelineNames maps a pipeline id to a display name for /api/status.
	// Ids without an entry are shown under their own id.
	PipelineNames map[string]string
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds a Server with the full middleware stack wired.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.TracingMiddleware("jobserver"))
	router.Use(requestLogger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{cfg: cfg, router: router}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. It blocks until Shutdown is called.
func (s *Server) Start() error {
	logger.Info("api server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen and serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// HTTPServer exposes the underlying *http.Server so the caller can drive
// its own graceful-shutdown sequence around it.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/api/status", s.status)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sidequest := s.router.Group("/api/sidequest/pipeline-runners")
	{
		sidequest.GET("/:id/jobs", s.listJobs)
		sidequest.POST("/:id/trigger", middleware.MigrationKeyMiddleware(s.cfg.MigrationKey), s.triggerJob)
	}

	scans := s.router.Group("/api/scans")
	{
		scans.POST("/start", middleware.MigrationKeyMiddleware(s.cfg.MigrationKey), s.startScan)
	}

	if s.cfg.WSBridge != nil {
		s.router.GET("/ws/activity", s.upgradeActivity)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) pipelineName(id string) string {
	if name, ok := s.cfg.PipelineNames[id]; ok {
		return name
	}
	return id
}

// workerFor fetches (lazily starting) the scheduler behind a pipeline id.
func (s *Server) workerFor(ctx context.Context, id string) (pipelineWorker, error) {
	w, err := s.cfg.Registry.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	pw, ok := w.(pipelineWorker)
	if !ok {
		return nil, fmt.Errorf("api: worker %s does not implement the pipeline API", id)
	}
	return pw, nil
}

func (s *Server) upgradeActivity(c *gin.Context) {
	if err := s.cfg.WSBridge.Upgrade(c.Writer, c.Request); err != nil {
		logger.Warn("activity websocket upgrade failed", zap.Error(err))
	}
}
