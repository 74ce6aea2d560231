package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/httpapi/response"
	"github.com/noetl/noetl/internal/planner"
)

// ExecutionHandler implements §6.3's caller-facing execution API, plus
// the GET /executions listing and GET /executions/{id} status lookup
// SPEC_FULL.md's supplemented feature 2 adds on top of it.
type ExecutionHandler struct {
	catalog *catalog.Repository
	events  *events.Store
	planner *planner.Planner
	logger  *slog.Logger
}

// NewExecutionHandler constructs an ExecutionHandler.
func NewExecutionHandler(catalogRepo *catalog.Repository, eventStore *events.Store, pl *planner.Planner, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{catalog: catalogRepo, events: eventStore, planner: pl, logger: logger}
}

// runRequest accepts the three ways §6.3 allows a caller to identify a
// playbook, plus the two accepted names for its initial payload.
type runRequest struct {
	CatalogID    int64                  `json:"catalog_id"`
	Path         string                 `json:"path"`
	Version      string                 `json:"version"`
	PlaybookID   int64                  `json:"playbook_id"` // legacy alias for catalog_id
	Parameters   map[string]interface{} `json:"parameters"`
	InputPayload map[string]interface{} `json:"input_payload"` // legacy alias for parameters
	Metadata     map[string]interface{} `json:"metadata"`
}

type runResponse struct {
	ExecutionID int64     `json:"execution_id"`
	ID          int64     `json:"id"`
	CatalogID   int64     `json:"catalog_id"`
	Path        string    `json:"path"`
	Version     string    `json:"version"`
	Status      string    `json:"status"`
	StartTime   time.Time `json:"start_time"`
}

// Run handles POST /executions/run and its POST /execute alias.
func (h *ExecutionHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}

	catalogID := req.CatalogID
	if catalogID == 0 {
		catalogID = req.PlaybookID
	}

	var entry *catalog.Entry
	var err error
	switch {
	case catalogID != 0:
		entry, err = h.catalog.Get(r.Context(), catalogID)
	case req.Path != "" && req.Version != "":
		entry, err = h.catalog.GetByPathVersion(r.Context(), req.Path, req.Version)
	case req.Path != "":
		entry, err = h.catalog.GetLatest(r.Context(), req.Path)
	default:
		response.ValidationErr(w, h.logger, "one of catalog_id, playbook_id, or path is required", nil)
		return
	}
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			response.Err(w, h.logger, http.StatusNotFound, response.ErrCodeNotFound, "playbook not found")
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to load playbook")
		return
	}

	workload := req.Parameters
	if workload == nil {
		workload = req.InputPayload
	}
	if workload == nil {
		workload = map[string]interface{}{}
	}
	if req.Metadata != nil {
		workload["metadata"] = req.Metadata
	}

	result, err := h.planner.Plan(r.Context(), entry.CatalogID, workload)
	if err != nil {
		var invalid *planner.InvalidPlaybookError
		if errors.As(err, &invalid) {
			response.ValidationErr(w, h.logger, invalid.Error(), nil)
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to plan execution")
		return
	}

	response.JSON(w, h.logger, http.StatusCreated, runResponse{
		ExecutionID: result.ExecutionID,
		ID:          result.ExecutionID,
		CatalogID:   entry.CatalogID,
		Path:        entry.Path,
		Version:     entry.Version,
		Status:      "running",
		StartTime:   time.Now().UTC(),
	})
}

type listExecutionsResponse struct {
	Executions []executionSummary `json:"executions"`
	NextCursor int64              `json:"next_cursor,omitempty"`
}

type executionSummary struct {
	ExecutionID int64     `json:"execution_id"`
	CatalogID   int64     `json:"catalog_id"`
	StartTime   time.Time `json:"start_time"`
}

// List handles GET /executions, cursor-paginated by the last page's
// oldest execution_started event_id (query param `before`), optionally
// filtered by `catalog_id`.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	filters := events.ListExecutionsFilters{
		CatalogID: queryInt64(r, "catalog_id"),
		Before:    queryInt64(r, "before"),
		Limit:     int(queryInt64(r, "limit")),
	}
	started, err := h.events.ListExecutions(r.Context(), filters)
	if err != nil {
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to list executions")
		return
	}

	resp := listExecutionsResponse{Executions: make([]executionSummary, 0, len(started))}
	for _, ev := range started {
		resp.Executions = append(resp.Executions, executionSummary{
			ExecutionID: ev.ExecutionID,
			CatalogID:   ev.CatalogID,
			StartTime:   time.UnixMilli(ev.Timestamp).UTC(),
		})
	}
	if len(started) > 0 {
		resp.NextCursor = started[len(started)-1].EventID
	}
	response.JSON(w, h.logger, http.StatusOK, resp)
}

type executionStatusResponse struct {
	ExecutionID int64                  `json:"execution_id"`
	CatalogID   int64                  `json:"catalog_id"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       map[string]interface{} `json:"error,omitempty"`
}

// Get handles GET /executions/{id}, the user-visible failure surface
// §7 names: "the same information [as execution_failed's meta.error]
// is returned by the GET /executions/{id} endpoint."
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	executionID, ok := int64URLParam(r, "id")
	if !ok {
		response.ValidationErr(w, h.logger, "invalid execution id", nil)
		return
	}

	completed, err := h.events.Query(r.Context(), executionID, events.QueryFilters{
		EventTypes: []events.EventType{events.TypeExecutionCompleted, events.TypeExecutionFailed},
	})
	if err != nil {
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to load execution status")
		return
	}
	if len(completed) == 0 {
		inProgress, err := h.events.HasEventType(r.Context(), executionID, events.TypeStepStarted)
		if err != nil {
			response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to load execution status")
			return
		}
		status := "pending"
		if inProgress {
			status = "running"
		}
		response.JSON(w, h.logger, http.StatusOK, executionStatusResponse{ExecutionID: executionID, Status: status})
		return
	}

	final := completed[0]
	resp := executionStatusResponse{ExecutionID: executionID, CatalogID: final.CatalogID}
	if final.EventType == events.TypeExecutionFailed {
		resp.Status = "failed"
		resp.Error, _ = final.Meta["error"].(map[string]interface{})
	} else {
		resp.Status = "completed"
		if data, ok := final.Result["data"].(map[string]interface{}); ok {
			resp.Result = data
		}
	}
	response.JSON(w, h.logger, http.StatusOK, resp)
}

func queryInt64(r *http.Request, key string) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	var out int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		out = out*10 + int64(c-'0')
	}
	return out
}
