package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayq/relay/internal/orchestrator"
	"github.com/relayq/relay/internal/retry"
	"github.com/relayq/relay/internal/scheduler"
	"github.com/relayq/relay/pkg/errors"
	"github.com/relayq/relay/pkg/health"
)

type submitRequest struct {
	Method       string            `json:"method" binding:"required"`
	URL          string            `json:"url" binding:"required"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	Priority     string            `json:"priority"`
	Dedupe       *bool             `json:"dedupe"`
	Batchable    bool              `json:"batchable"`
	Compress     bool              `json:"compress"`
	OfflineQueue *bool             `json:"offline_queue"`
	TimeoutMs    int               `json:"timeout_ms"`
	MaxAttempts  int               `json:"max_attempts"`
}

type submitResponse struct {
	RequestID string          `json:"request_id"`
	State     string          `json:"state"`
	Status    int             `json:"status,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Type:    string(errors.ErrorTypeValidation),
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		}})
		return
	}

	desc := orchestrator.NewRequest(req.Method, req.URL, []byte(req.Body))
	desc.Headers = req.Headers
	desc.Batchable = req.Batchable
	desc.Compress = req.Compress
	if req.Priority != "" {
		desc.Priority = scheduler.ParsePriority(req.Priority)
	}
	if req.Dedupe != nil {
		desc.Dedupe = *req.Dedupe
	}
	if req.OfflineQueue != nil {
		desc.OfflineQueue = *req.OfflineQueue
	}
	if req.TimeoutMs > 0 {
		desc.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.MaxAttempts > 0 {
		policy := retry.DefaultPolicy()
		policy.MaxAttempts = req.MaxAttempts
		desc.Retry = &policy
	}

	fut, err := s.orch.Submit(c.Request.Context(), desc)
	if err != nil {
		s.errorResponse(c, err)
		return
	}

	timer := time.NewTimer(s.config.SubmitTimeout)
	defer timer.Stop()

	select {
	case <-fut.Done():
		resp, err := fut.Wait(context.Background())
		if err != nil {
			s.errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, submitResponse{
			RequestID: desc.ID,
			State:     "completed",
			Status:    resp.StatusCode,
			Body:      rawBody(resp.Body),
		})
	case <-fut.Queued():
		c.JSON(http.StatusAccepted, submitResponse{
			RequestID: desc.ID,
			State:     "queued",
		})
	case <-timer.C:
		c.JSON(http.StatusAccepted, submitResponse{
			RequestID: desc.ID,
			State:     "pending",
		})
	case <-c.Request.Context().Done():
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if !s.orch.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
			Type:    string(errors.ErrorTypeNotFound),
			Code:    "NOT_FOUND",
			Message: "no cancellable request with that id",
		}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id, "cancelled": true})
}

func (s *Server) handleCancelAll(c *gin.Context) {
	n := s.orch.CancelAll()
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) handleCircuits(c *gin.Context) {
	type circuit struct {
		Origin   string `json:"origin"`
		State    string `json:"state"`
		Failures int    `json:"failures"`
	}

	circuits := make([]circuit, 0)
	for _, origin := range s.orch.CircuitOrigins() {
		circuits = append(circuits, circuit{
			Origin:   origin,
			State:    s.orch.CircuitState(origin).String(),
			Failures: s.orch.CircuitFailures(origin),
		})
	}
	c.JSON(http.StatusOK, gin.H{"circuits": circuits})
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	var req struct {
		Origin string `json:"origin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Type:    string(errors.ErrorTypeValidation),
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		}})
		return
	}

	s.orch.ResetCircuit(req.Origin)
	c.JSON(http.StatusOK, gin.H{"origin": req.Origin, "state": s.orch.CircuitState(req.Origin).String()})
}

func (s *Server) handleOfflineList(c *gin.Context) {
	type entry struct {
		ID         string    `json:"id"`
		Method     string    `json:"method"`
		URL        string    `json:"url"`
		Priority   string    `json:"priority"`
		EnqueuedAt time.Time `json:"enqueued_at"`
		RetryCount int       `json:"retry_count"`
	}

	entries := make([]entry, 0)
	for _, e := range s.orch.OfflineEntries() {
		entries = append(entries, entry{
			ID:         e.ID,
			Method:     e.Request.Method,
			URL:        e.Request.URL,
			Priority:   e.Priority,
			EnqueuedAt: e.EnqueuedAt,
			RetryCount: e.RetryCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"depth": len(entries), "entries": entries})
}

func (s *Server) handleOfflineClear(c *gin.Context) {
	if err := s.orch.ClearOfflineQueue(c.Request.Context()); err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	depths := gin.H{}
	for p, d := range s.orch.QueueDepths() {
		depths[p.String()] = d
	}
	c.JSON(http.StatusOK, gin.H{
		"online":        s.orch.IsOnline(),
		"offline_depth": s.orch.OfflineQueueDepth(),
		"queue_depths":  depths,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"online": s.orch.IsOnline(),
		})
		return
	}

	report := s.health.Run(c.Request.Context())
	status := http.StatusOK
	if report.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": report.Status,
		"online": s.orch.IsOnline(),
		"checks": report.Checks,
	})
}

// errorResponse maps the error taxonomy onto HTTP statuses
func (s *Server) errorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeCircuitOpen:
		status = http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	case errors.ErrorTypeTransport:
		status = http.StatusBadGateway
	case errors.ErrorTypeCancelled:
		status = http.StatusConflict
	case errors.ErrorTypeClient, errors.ErrorTypeServer:
		// Upstream answered; relay its status
		if upstream := errors.GetStatus(err); upstream > 0 {
			status = upstream
		} else {
			status = http.StatusBadGateway
		}
	}

	c.JSON(status, gin.H{"error": errorBody{
		Type:    string(errors.GetType(err)),
		Code:    errors.GetCode(err),
		Message: err.Error(),
	}})
}

// rawBody passes JSON bodies through untouched and quotes anything else
func rawBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}
