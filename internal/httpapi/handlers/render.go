package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/noetl/noetl/internal/httpapi/response"
	"github.com/noetl/noetl/internal/render"
)

// RenderHandler implements §6.4's context-render endpoint.
type RenderHandler struct {
	render *render.Service
	logger *slog.Logger
}

// NewRenderHandler constructs a RenderHandler.
func NewRenderHandler(renderSvc *render.Service, logger *slog.Logger) *RenderHandler {
	return &RenderHandler{render: renderSvc, logger: logger}
}

type renderRequest struct {
	ExecutionID int64                  `json:"execution_id"`
	Task        map[string]interface{} `json:"task"`
	Context     map[string]interface{} `json:"context"`
}

type renderResponse struct {
	Task map[string]interface{} `json:"task"`
}

// Render handles POST /context/render.
func (h *RenderHandler) Render(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ValidationErr(w, h.logger, "malformed request body", nil)
		return
	}
	if req.ExecutionID == 0 {
		response.ValidationErr(w, h.logger, "execution_id is required", nil)
		return
	}
	if req.Task == nil {
		response.ValidationErr(w, h.logger, "task is required", nil)
		return
	}

	rendered, err := h.render.RenderTask(r.Context(), req.ExecutionID, req.Task, req.Context)
	if err != nil {
		response.Err(w, h.logger, http.StatusInternalServerError, response.ErrCodeInternal, "failed to render task")
		return
	}
	response.JSON(w, h.logger, http.StatusOK, renderResponse{Task: rendered})
}
