// Package server exposes the project, analysis, and model-registry surface
// over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/config"
	"github.com/arkadich/graphloom/internal/graph"
	"github.com/arkadich/graphloom/internal/jobs"
)

// Stores bundles the persistence interfaces the server depends on.
type Stores struct {
	Graph  schemas.GraphStore
	Jobs   schemas.JobStore
	Models schemas.ModelStore
}

// Server wires the HTTP routes to the pipeline components.
type Server struct {
	stores       Stores
	orchestrator *jobs.Orchestrator
	cleaner      *graph.Cleaner
	newOracle    schemas.OracleFactory
	log          *zap.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, stores Stores, orch *jobs.Orchestrator, cleaner *graph.Cleaner, factory schemas.OracleFactory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsCfg))

	s := &Server{
		stores:       stores,
		orchestrator: orch,
		cleaner:      cleaner,
		newOracle:    factory,
		log:          logger.Named("server"),
		engine:       engine,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

// Handler exposes the routing engine, mainly for httptest in tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	api.POST("/projects", s.handleCreateProject)
	api.GET("/projects", s.handleListProjects)
	api.GET("/projects/:pid", s.handleGetProject)
	api.PUT("/projects/:pid", s.handleRenameProject)
	api.DELETE("/projects/:pid", s.handleDeleteProject)
	api.GET("/projects/:pid/graph", s.handleGetGraph)
	api.POST("/projects/:pid/analyze", s.handleAnalyze)
	api.POST("/projects/:pid/cleanup", s.handleCleanup)
	api.GET("/projects/:pid/export", s.handleExport)
	api.POST("/import", s.handleImport)

	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:jid", s.handleGetJob)
	api.GET("/jobs/:jid/progress", s.handleJobProgress)
	api.POST("/jobs/:jid/cancel", s.handleCancelJob)

	api.GET("/logs", s.handleListLogs)

	api.GET("/models", s.handleListModels)
	api.POST("/models", s.handleCreateModel)
	api.PUT("/models/:mid", s.handleUpdateModel)
	api.DELETE("/models/:mid", s.handleDeleteModel)
	api.POST("/models/:mid/test", s.handleTestModel)
}

// requestLogger emits one structured line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
