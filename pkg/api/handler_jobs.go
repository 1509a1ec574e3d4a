package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
)

func (s *Server) handleListJobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := s.deps.Jobs.List(c.Request.Context(), services.ListFilter{
		AgentID: c.Query("agent_id"),
		Status:  models.JobStatus(c.Query("status")),
		Limit:   limit,
	})
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	if s.deps.Jobs == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	job, err := s.deps.Jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// handleJobTimeline returns the job's transition log.
func (s *Server) handleJobTimeline(c *gin.Context) {
	if s.deps.Jobs == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	events, err := s.deps.Jobs.Events(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleRetryJob re-queues a dead-lettered job. 409 for jobs in any other
// state.
func (s *Server) handleRetryJob(c *gin.Context) {
	if s.deps.Jobs == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "job store not configured")
		return
	}
	if err := s.deps.Jobs.Retry(c.Request.Context(), c.Param("jobId")); err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": c.Param("jobId")})
}

// handleCancelJob cancels a running job on this pod.
func (s *Server) handleCancelJob(c *gin.Context) {
	if s.deps.Pool == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "worker pool not configured")
		return
	}
	jobID := c.Param("jobId")
	if !s.deps.Pool.CancelJob(jobID) {
		respondError(c, http.StatusNotFound, "not_found", "job is not running on this pod")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// handleReviewTimeline returns a persisted review chain run with its
// per-stage records.
func (s *Server) handleReviewTimeline(c *gin.Context) {
	if s.deps.Reviews == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "review store not configured")
		return
	}
	run, err := s.deps.Reviews.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}
