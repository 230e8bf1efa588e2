package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echoswift/echoswift/internal/service/calibration"
	"github.com/echoswift/echoswift/internal/storage"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse wraps the live calibration state
type StatusResponse struct {
	State     calibration.State `json:"state"`
	Timestamp time.Time         `json:"timestamp"`
}

// ListRunsResponse is the response of GET /api/v1/runs
type ListRunsResponse struct {
	Runs  []*storage.CalibrationRun `json:"runs"`
	Count int                       `json:"count"`
}

// ListProbesResponse is the response of GET /api/v1/runs/:id/probes
type ListProbesResponse struct {
	RunID  string           `json:"run_id"`
	Probes []*storage.Probe `json:"probes"`
	Count  int              `json:"count"`
}

// ListSuiteResultsResponse is the response of GET /api/v1/runs/:id/results
type ListSuiteResultsResponse struct {
	RunID   string                 `json:"run_id"`
	Results []*storage.SuiteResult `json:"results"`
	Count   int                    `json:"count"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.status != nil {
		response.Services["calibration"] = string(s.status.State().Phase)
	}
	if s.runs != nil {
		response.Services["history"] = "ok"
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		s.errorJSON(c, http.StatusNotFound, "no calibration in progress")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		State:     s.status.State(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxRunLimit {
			s.errorJSON(c, http.StatusBadRequest,
				fmt.Sprintf("invalid limit: must be an integer between 1 and %d, got %q", maxRunLimit, raw))
			return
		}
		limit = v
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []*storage.CalibrationRun{}
	}
	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.errorJSON(c, http.StatusNotFound, fmt.Sprintf("run not found: %s", c.Param("id")))
		return
	}
	if err != nil {
		s.internalError(c, "failed to get run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListProbes(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	id := c.Param("id")
	if _, err := s.runs.GetRun(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.errorJSON(c, http.StatusNotFound, fmt.Sprintf("run not found: %s", id))
			return
		}
		s.internalError(c, "failed to get run", err)
		return
	}

	probes, err := s.runs.ListProbes(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, "failed to list probes", err)
		return
	}
	if probes == nil {
		probes = []*storage.Probe{}
	}
	c.JSON(http.StatusOK, ListProbesResponse{RunID: id, Probes: probes, Count: len(probes)})
}

func (s *Server) handleListSuiteResults(c *gin.Context) {
	if s.suites == nil {
		s.errorJSON(c, http.StatusNotFound, "suite history not available")
		return
	}

	id := c.Param("id")
	rows, err := s.suites.ListByRun(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, "failed to list suite results", err)
		return
	}
	if rows == nil {
		rows = []*storage.SuiteResult{}
	}
	c.JSON(http.StatusOK, ListSuiteResultsResponse{RunID: id, Results: rows, Count: len(rows)})
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.runs == nil {
		s.errorJSON(c, http.StatusNotFound, "run history not available")
		return false
	}
	return true
}

func (s *Server) errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg,
		slog.String("error", err.Error()),
		slog.String("request_id", c.GetString("request_id")))
	s.errorJSON(c, http.StatusInternalServerError, msg)
}
