package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noetl/noetl/internal/httpapi/response"
	"github.com/noetl/noetl/internal/queuemgr"
)

// QueueHandler implements §6.2's worker-facing queue API.
type QueueHandler struct {
	queue    *queuemgr.Manager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewQueueHandler constructs a QueueHandler.
func NewQueueHandler(queue *queuemgr.Manager, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, validate: validator.New(), logger: logger}
}

type enqueueRequest struct {
	ExecutionID int64                  `json:"execution_id" validate:"required"`
	CatalogID   int64                  `json:"catalog_id" validate:"required"`
	NodeID      string                 `json:"node_id" validate:"required"`
	NodeName    string                 `json:"node_name"`
	Action      map[string]interface{} `json:"action"`
	Context     map[string]interface{} `json:"context"`
	Meta        map[string]interface{} `json:"meta"`
	Priority    int                    `json:"priority"`
	MaxAttempts int                    `json:"max_attempts"`
}

// Enqueue handles POST /queue/enqueue. Spec.md §6.2 marks this
// internal (used by planner and broker), but it is exposed on the same
// router surface since nothing distinguishes an internal caller from
// an external one at the transport layer in this core.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationErr(w, h.logger, "missing required field", validationDetails(err))
		return
	}

	queueID, err := h.queue.Enqueue(r.Context(), queuemgr.EnqueueInput{
		ExecutionID: req.ExecutionID,
		CatalogID:   req.CatalogID,
		NodeID:      req.NodeID,
		NodeName:    req.NodeName,
		Action:      queuemgr.JSONMap(req.Action),
		Context:     queuemgr.JSONMap(req.Context),
		Meta:        queuemgr.JSONMap(req.Meta),
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to enqueue")
		return
	}
	response.JSON(w, h.logger, http.StatusCreated, map[string]int64{"queue_id": queueID})
}

type leaseRequest struct {
	WorkerID     string `json:"worker_id" validate:"required"`
	LeaseSeconds int    `json:"lease_seconds" validate:"required"`
}

// Lease handles POST /queue/lease. The request's optional `filters`
// field (spec.md §6.2) has no home yet: Manager.Lease's SKIP LOCKED
// claim always takes the oldest available entry regardless of node
// kind, so a filtered lease would need a WHERE clause this core's
// queue table doesn't index on anything filterable by today. Accepted
// on the wire and ignored rather than rejected, so future filter
// support doesn't require a breaking request-shape change.
func (h *QueueHandler) Lease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationErr(w, h.logger, "missing required field", validationDetails(err))
		return
	}

	entry, err := h.queue.Lease(r.Context(), req.WorkerID, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, queuemgr.ErrNoWork) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "lease failed")
		return
	}
	response.JSON(w, h.logger, http.StatusOK, entry)
}

type heartbeatRequest struct {
	WorkerID      string `json:"worker_id" validate:"required"`
	ExtendSeconds int    `json:"extend_seconds"`
}

// Heartbeat handles POST /queue/{id}/heartbeat.
func (h *QueueHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	queueID, ok := int64URLParam(r, "id")
	if !ok {
		response.ValidationErr(w, h.logger, "invalid queue id", nil)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationErr(w, h.logger, "missing required field", validationDetails(err))
		return
	}
	extend := time.Duration(req.ExtendSeconds) * time.Second
	if extend <= 0 {
		extend = 60 * time.Second
	}
	if err := h.queue.Heartbeat(r.Context(), queueID, req.WorkerID, extend); err != nil {
		if errors.Is(err, queuemgr.ErrLeaseStolen) {
			response.Err(w, h.logger, http.StatusConflict, response.ErrCodeConflict, "heartbeat rejected: lease stolen or expired")
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	WorkerID string                 `json:"worker_id" validate:"required"`
	Result   map[string]interface{} `json:"result"`
}

// Complete handles POST /queue/{id}/complete.
func (h *QueueHandler) Complete(w http.ResponseWriter, r *http.Request) {
	queueID, ok := int64URLParam(r, "id")
	if !ok {
		response.ValidationErr(w, h.logger, "invalid queue id", nil)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationErr(w, h.logger, "missing required field", validationDetails(err))
		return
	}
	if err := h.queue.Complete(r.Context(), queueID, req.WorkerID); err != nil {
		if errors.Is(err, queuemgr.ErrLeaseStolen) {
			response.Err(w, h.logger, http.StatusConflict, response.ErrCodeConflict, "complete rejected: lease stolen or expired")
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "complete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failRequest struct {
	WorkerID     string `json:"worker_id" validate:"required"`
	Error        string `json:"error" validate:"required"`
	RetryAllowed bool   `json:"retry_allowed"`
}

// Fail handles POST /queue/{id}/fail.
func (h *QueueHandler) Fail(w http.ResponseWriter, r *http.Request) {
	queueID, ok := int64URLParam(r, "id")
	if !ok {
		response.ValidationErr(w, h.logger, "invalid queue id", nil)
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationErr(w, h.logger, "missing required field", validationDetails(err))
		return
	}
	if err := h.queue.Fail(r.Context(), queueID, req.WorkerID, req.RetryAllowed, time.Now()); err != nil {
		if errors.Is(err, queuemgr.ErrLeaseStolen) {
			response.Err(w, h.logger, http.StatusConflict, response.ErrCodeConflict, "fail rejected: lease stolen or expired")
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "fail failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
