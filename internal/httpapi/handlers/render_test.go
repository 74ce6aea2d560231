package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/render"
)

func TestRenderHandler_Render_RejectsMissingTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	mock.MatchExpectationsInOrder(false)

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventStore := events.NewStore(sqlxDB, gen, logger, 1)

	h := NewRenderHandler(render.New(eventStore), logger)

	body, _ := json.Marshal(map[string]interface{}{"execution_id": 1})
	req := httptest.NewRequest(http.MethodPost, "/context/render", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Render(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
