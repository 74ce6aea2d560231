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

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
)

func newTestEventStore(t *testing.T) (*events.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	mock.MatchExpectationsInOrder(false)

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return events.NewStore(sqlxDB, gen, logger, 1), mock
}

func TestEventHandler_Append_RejectsInvalidEventType(t *testing.T) {
	store, _ := newTestEventStore(t)
	h := NewEventHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body, _ := json.Marshal(map[string]interface{}{
		"execution_id": 1,
		"event_type":   "not_a_real_type",
		"status":       "COMPLETED",
	})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Append(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventHandler_Append_RejectsMissingRequiredField(t *testing.T) {
	store, _ := newTestEventStore(t)
	h := NewEventHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body, _ := json.Marshal(map[string]interface{}{
		"event_type": "execution_started",
		"status":     "STARTED",
	})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Append(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventHandler_Get_NotFound(t *testing.T) {
	store, mock := newTestEventStore(t)
	h := NewEventHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectQuery("SELECT \\* FROM event WHERE event_id").
		WillReturnError(sql.ErrNoRows)

	r := chi.NewRouter()
	r.Get("/events/{id}", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/events/999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}
