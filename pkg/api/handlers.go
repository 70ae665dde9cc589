package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"jobserver/pkg/models"
	"jobserver/pkg/store"
)

func newJobID() string {
	return uuid.NewString()
}

func marshalParameters(params map[string]interface{}) (models.RawJSON, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	out, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return models.RawJSON(out), nil
}

func (s *Server) health(c *gin.Context) {
	if err := s.cfg.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pipelineStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	CompletedJobs int    `json:"completedJobs"`
	FailedJobs    int    `json:"failedJobs"`
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()

	var pipelines []pipelineStatus
	var totalActive, totalQueued int

	for _, id := range s.cfg.Registry.SupportedIDs() {
		w, err := s.workerFor(ctx, id)
		if err != nil {
			continue
		}
		stats := w.GetStats()
		pipelineState := "idle"
		if stats.Active > 0 {
			pipelineState = "running"
		}
		pipelines = append(pipelines, pipelineStatus{
			ID:            id,
			Name:          s.pipelineName(id),
			Status:        pipelineState,
			CompletedJobs: stats.Completed,
			FailedJobs:    stats.Failed,
		})
		totalActive += stats.Active
		totalQueued += stats.Queued
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().UTC(),
		"pipelines": pipelines,
		"queue":     gin.H{"active": totalActive, "queued": totalQueued},
	})
}

func (s *Server) listJobs(c *gin.Context) {
	pipelineID := c.Param("id")
	if !s.cfg.Registry.IsSupported(pipelineID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "unsupported pipeline: " + pipelineID + "; supported: " + joinSupported(s.cfg.Registry.SupportedIDs()),
		})
		return
	}

	limit := queryInt(c, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	opts := store.ListOptions{
		Status:       models.Status(c.Query("status")),
		Tab:          c.Query("tab"),
		Limit:        limit,
		Offset:       queryInt(c, "offset", 0),
		IncludeTotal: c.Query("includeTotal") == "true",
	}

	result, err := s.cfg.Store.List(c.Request.Context(), pipelineID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":    result.Jobs,
		"total":   result.Total,
		"hasMore": result.HasMore,
	})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

type triggerRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

func (s *Server) triggerJob(c *gin.Context) {
	pipelineID := c.Param("id")
	if !s.cfg.Registry.IsSupported(pipelineID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "unsupported pipeline: " + pipelineID + "; supported: " + joinSupported(s.cfg.Registry.SupportedIDs()),
		})
		return
	}

	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	w, err := s.workerFor(ctx, pipelineID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
		return
	}

	data, err := marshalParameters(req.Parameters)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	jobID := newJobID()
	job, err := w.CreateJob(ctx, jobID, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"jobId":      job.ID,
		"pipelineId": job.PipelineID,
		"status":     job.Status,
		"timestamp":  time.Now().UTC(),
	})
}

type startScanRequest struct {
	RepositoryPath string `json:"repositoryPath"`
}

const scanPipelineID = "duplicate-scan"

func (s *Server) startScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RepositoryPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"message":   "repositoryPath is required",
			"timestamp": time.Now().UTC(),
		})
		return
	}

	ctx := c.Request.Context()
	w, err := s.workerFor(ctx, scanPipelineID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error(), "timestamp": time.Now().UTC()})
		return
	}

	data, err := marshalParameters(map[string]interface{}{"repositoryPath": req.RepositoryPath})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "timestamp": time.Now().UTC()})
		return
	}

	scanID := newJobID()
	if _, err := w.CreateJob(ctx, scanID, data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "timestamp": time.Now().UTC()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"scanId": scanID})
}

func joinSupported(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}
