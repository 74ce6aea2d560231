package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
)

func newTestExecutionHandler(t *testing.T) (*ExecutionHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	mock.MatchExpectationsInOrder(false)

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventStore := events.NewStore(sqlxDB, gen, logger, 1)
	queue := queuemgr.NewManager(sqlxDB, gen, logger)
	catalogRepo, err := catalog.NewRepository(sqlxDB, gen, logger, 8)
	require.NoError(t, err)
	rows := planner.NewRepository(sqlxDB)
	pl := planner.New(catalogRepo, eventStore, queue, rows, gen, logger)

	return NewExecutionHandler(catalogRepo, eventStore, pl, logger), mock
}

func TestExecutionHandler_Run_RejectsMissingIdentifier(t *testing.T) {
	h, _ := newTestExecutionHandler(t)

	body, _ := json.Marshal(map[string]interface{}{"parameters": map[string]interface{}{}})
	req := httptest.NewRequest(http.MethodPost, "/executions/run", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Run(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionHandler_Run_PlaybookNotFound(t *testing.T) {
	h, mock := newTestExecutionHandler(t)

	mock.ExpectQuery("SELECT \\* FROM catalog WHERE catalog_id").
		WillReturnError(sql.ErrNoRows)

	body, _ := json.Marshal(map[string]interface{}{"catalog_id": 42})
	req := httptest.NewRequest(http.MethodPost, "/executions/run", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Run(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutionHandler_Get_UnknownExecutionIsPending(t *testing.T) {
	h, mock := newTestExecutionHandler(t)

	completedRows := sqlmock.NewRows([]string{
		"event_id", "parent_event_id", "execution_id", "parent_execution_id", "catalog_id",
		"event_type", "node_id", "node_name", "node_type", "status", "timestamp", "duration",
		"context", "result", "meta", "iteration_index",
	})
	mock.ExpectQuery("SELECT \\* FROM event WHERE execution_id").WillReturnRows(completedRows)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM event").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	req := httptest.NewRequest(http.MethodGet, "/executions/7", nil)
	w := httptest.NewRecorder()

	r := chi.NewRouter()
	r.Get("/executions/{id}", h.Get)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp executionStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "pending", resp.Status)
}
