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

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/queuemgr"
)

func newTestQueueManager(t *testing.T) (*queuemgr.Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	mock.MatchExpectationsInOrder(false)

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return queuemgr.NewManager(sqlxDB, gen, logger), mock
}

func TestQueueHandler_Enqueue_RejectsMissingRequiredField(t *testing.T) {
	queue, _ := newTestQueueManager(t)
	h := NewQueueHandler(queue, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body, _ := json.Marshal(map[string]interface{}{"catalog_id": 1})
	req := httptest.NewRequest(http.MethodPost, "/queue/enqueue", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Enqueue(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueHandler_Lease_NoWorkReturns204(t *testing.T) {
	queue, mock := newTestQueueManager(t)
	h := NewQueueHandler(queue, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectQuery("UPDATE queue").WillReturnError(sql.ErrNoRows)

	body, _ := json.Marshal(map[string]interface{}{"worker_id": "w1", "lease_seconds": 30})
	req := httptest.NewRequest(http.MethodPost, "/queue/lease", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Lease(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestQueueHandler_Heartbeat_LeaseStolenReturns409(t *testing.T) {
	queue, mock := newTestQueueManager(t)
	h := NewQueueHandler(queue, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectExec("UPDATE queue SET last_heartbeat").
		WillReturnResult(sqlmock.NewResult(0, 0))

	body, _ := json.Marshal(map[string]interface{}{"worker_id": "w1", "extend_seconds": 30})
	req := httptest.NewRequest(http.MethodPost, "/queue/1/heartbeat", bytes.NewReader(body))
	w := httptest.NewRecorder()

	r := chi.NewRouter()
	r.Post("/queue/{id}/heartbeat", h.Heartbeat)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}
