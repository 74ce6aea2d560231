package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/httpapi/response"
)

// EventHandler implements §6.1's worker-facing event API.
type EventHandler struct {
	events   *events.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(eventStore *events.Store, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: eventStore, validate: validator.New(), logger: logger}
}

type appendEventRequest struct {
	ExecutionID   int64                  `json:"execution_id" validate:"required"`
	CatalogID     int64                  `json:"catalog_id"`
	EventType     string                 `json:"event_type" validate:"required"`
	Status        string                 `json:"status" validate:"required"`
	NodeID        string                 `json:"node_id"`
	NodeName      string                 `json:"node_name"`
	NodeType      string                 `json:"node_type"`
	Context       map[string]interface{} `json:"context"`
	Result        map[string]interface{} `json:"result"`
	Meta          map[string]interface{} `json:"meta"`
	ParentEventID *int64                 `json:"parent_event_id"`
}

type appendEventResponse struct {
	EventID int64 `json:"event_id"`
}

// Append handles POST /events.
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationErr(w, h.logger, "missing required field", validationDetails(err))
		return
	}

	status := events.Status(req.Status)
	if !events.IsValidStatus(status) {
		response.ValidationErr(w, h.logger, "invalid status, allowed: PENDING, STARTED, RUNNING, COMPLETED, FAILED, RETRY", nil)
		return
	}
	eventType := events.EventType(req.EventType)
	if !events.IsValidEventType(eventType) {
		response.ValidationErr(w, h.logger, "invalid event_type for the closed vocabulary", nil)
		return
	}

	ev := &events.Event{
		ExecutionID:   req.ExecutionID,
		CatalogID:     req.CatalogID,
		EventType:     eventType,
		Status:        status,
		NodeID:        req.NodeID,
		NodeName:      req.NodeName,
		NodeType:      req.NodeType,
		Context:       events.JSONMap(req.Context),
		Result:        events.JSONMap(req.Result),
		Meta:          events.JSONMap(req.Meta),
		ParentEventID: req.ParentEventID,
	}

	eventID, err := h.events.Append(r.Context(), ev)
	if err != nil {
		if errors.Is(err, events.ErrMissingCatalogID) {
			response.ValidationErr(w, h.logger, "catalog_id missing and could not be inferred from execution_id", nil)
			return
		}
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to append event")
		return
	}

	response.JSON(w, h.logger, http.StatusCreated, appendEventResponse{EventID: eventID})
}

// Get handles GET /events/{id}.
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	eventID, ok := int64URLParam(r, "id")
	if !ok {
		response.ValidationErr(w, h.logger, "invalid event id", nil)
		return
	}
	ev, err := h.events.Get(r.Context(), eventID)
	if err != nil {
		response.Err(w, h.logger, http.StatusNotFound, response.ErrCodeNotFound, "event not found")
		return
	}
	response.JSON(w, h.logger, http.StatusOK, ev)
}

// validationDetails flattens a validator.ValidationErrors into a
// per-field message map for response.ValidationErr's Details.
func validationDetails(err error) map[string]string {
	details := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}
