// Package api serves the miner's read-only HTTP endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/cnminer/internal/miner"
	"github.com/bardlex/cnminer/pkg/log"
)

// StatsSource is the live view the handlers read. *miner.Orchestrator
// implements it.
type StatsSource interface {
	Snapshot() miner.Snapshot
	CurrentJob() *miner.Job
}

// HealthChecker reports the health of an optional dependency
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server is the stats HTTP server
type Server struct {
	source  StatsSource
	store   HealthChecker
	metrics http.Handler
	logger  *log.Logger
	started time.Time
	srv     *http.Server
}

// JobResponse describes the job being mined
type JobResponse struct {
	JobID      string    `json:"job_id"`
	Target     string    `json:"target"`
	Difficulty float64   `json:"difficulty"`
	BlobSize   int       `json:"blob_size"`
	Received   time.Time `json:"received"`
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status       string `json:"status"`
	SessionState string `json:"session_state"`
	Workers      int    `json:"workers"`
	Uptime       string `json:"uptime"`
	Store        string `json:"store,omitempty"`
}

// New creates a server on addr. store may be nil.
func New(addr string, source StatsSource, store HealthChecker, metrics http.Handler, logger *log.Logger) *Server {
	s := &Server{
		source:  source,
		store:   store,
		metrics: metrics,
		logger:  logger.WithComponent("api"),
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the gin router
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/job", s.handleJob)
	}
	router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	return router
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns
// nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleJob(c *gin.Context) {
	job := s.source.CurrentJob()
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no job received yet"})
		return
	}

	c.JSON(http.StatusOK, JobResponse{
		JobID:      job.ID,
		Target:     job.TargetHex,
		Difficulty: job.Difficulty,
		BlobSize:   len(job.Blob),
		Received:   job.Received,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.source.Snapshot()

	resp := HealthResponse{
		Status:       "healthy",
		SessionState: snap.SessionState,
		Workers:      len(snap.Workers),
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
	}
	if snap.SessionState != "open" {
		resp.Status = "degraded"
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		resp.Store = "ok"
		if err := s.store.Health(ctx); err != nil {
			resp.Store = err.Error()
			resp.Status = "degraded"
		}
	}

	c.JSON(http.StatusOK, resp)
}
