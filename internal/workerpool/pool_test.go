package workerpool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/workerpool/plugins"
)

// fakePlugin returns a canned envelope, recording what it was called with.
type fakePlugin struct {
	envelope *plugins.Envelope
	err      error
	calls    int
}

func (f *fakePlugin) Execute(ctx context.Context, config map[string]interface{}, execContext map[string]interface{}) (*plugins.Envelope, error) {
	f.calls++
	return f.envelope, f.err
}

func newTestPool(t *testing.T) (*Pool, sqlmock.Sqlmock, *plugins.Registry) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventStore := events.NewStore(sqlxDB, gen, logger, 1)
	queue := queuemgr.NewManager(sqlxDB, gen, logger)
	registry := plugins.NewRegistry()

	pool := New(queue, eventStore, registry, Config{Concurrency: 1, LeaseDuration: time.Second, PollInterval: time.Millisecond}, logger)
	return pool, mock, registry
}

func TestRunJob_SuccessPath_EmitsEventsAndCompletes(t *testing.T) {
	pool, mock, registry := newTestPool(t)
	registry.Register("http", func() plugins.Plugin {
		return &fakePlugin{envelope: plugins.Success("ok", nil)}
	})

	entry := &queuemgr.Entry{
		QueueID: 1, ExecutionID: 10, CatalogID: 7, NodeID: "n1", NodeName: "step_a",
		Action:  queuemgr.JSONMap{"kind": "http", "config": map[string]interface{}{}},
		Context: queuemgr.JSONMap{},
		Meta:    queuemgr.JSONMap{},
	}

	mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "execution_id", "catalog_id", "event_type", "status", "timestamp"}))

	mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1)) // action_started
	mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1)) // action_completed
	mock.ExpectQuery(`UPDATE queue SET status = \$1 WHERE queue_id = \$2 AND worker_id = \$3 AND status = \$4 RETURNING \*`).
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_id", "execution_id", "catalog_id", "node_id", "node_name", "action", "context", "meta",
			"priority", "status", "attempts", "max_attempts", "available_at", "created_at",
		}).AddRow(1, 10, 7, "n1", "step_a", []byte("{}"), []byte("{}"), []byte("{}"), 0, "done", 1, 1, time.Now(), time.Now()))

	pool.runJob(context.Background(), entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunJob_EnvelopeErrorStatus_FailsJob(t *testing.T) {
	pool, mock, registry := newTestPool(t)
	registry.Register("http", func() plugins.Plugin {
		return &fakePlugin{envelope: &plugins.Envelope{Status: "error", Error: &plugins.EnvelopeError{Message: "boom"}}}
	})

	entry := &queuemgr.Entry{
		QueueID: 2, ExecutionID: 11, CatalogID: 7, NodeID: "n2", NodeName: "step_b",
		Action:  queuemgr.JSONMap{"kind": "http", "config": map[string]interface{}{}},
		Context: queuemgr.JSONMap{},
		Meta:    queuemgr.JSONMap{},
		MaxAttempts: 3,
	}

	mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "execution_id", "catalog_id", "event_type", "status", "timestamp"}))

	mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1)) // action_started
	mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1)) // action_completed (error)
	mock.ExpectQuery(`SELECT \* FROM queue WHERE queue_id = \$1 AND worker_id = \$2 AND status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_id", "execution_id", "catalog_id", "node_id", "node_name", "action", "context", "meta",
			"priority", "status", "attempts", "max_attempts", "available_at", "created_at",
		}).AddRow(2, 11, 7, "n2", "step_b", []byte("{}"), []byte("{}"), []byte("{}"), 0, "leased", 1, 3, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE queue SET status = \$1, available_at = \$2, worker_id = NULL, lease_until = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.runJob(context.Background(), entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunJob_UnknownKind_EmitsActionErrorAndFails(t *testing.T) {
	pool, mock, _ := newTestPool(t)

	entry := &queuemgr.Entry{
		QueueID: 3, ExecutionID: 12, CatalogID: 7, NodeID: "n3", NodeName: "step_c",
		Action:  queuemgr.JSONMap{"kind": "does-not-exist", "config": map[string]interface{}{}},
		Context: queuemgr.JSONMap{},
		Meta:    queuemgr.JSONMap{},
		MaxAttempts: 3,
	}

	mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "execution_id", "catalog_id", "event_type", "status", "timestamp"}))

	mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1)) // action_started
	mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1)) // action_error
	mock.ExpectQuery(`SELECT \* FROM queue WHERE queue_id = \$1 AND worker_id = \$2 AND status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_id", "execution_id", "catalog_id", "node_id", "node_name", "action", "context", "meta",
			"priority", "status", "attempts", "max_attempts", "available_at", "created_at",
		}).AddRow(3, 12, 7, "n3", "step_c", []byte("{}"), []byte("{}"), []byte("{}"), 0, "leased", 1, 3, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE queue SET status = \$1, available_at = \$2, worker_id = NULL, lease_until = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.runJob(context.Background(), entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnvelopeToJSONMap_IncludesErrorWhenPresent(t *testing.T) {
	env := &plugins.Envelope{Status: "error", Error: &plugins.EnvelopeError{Message: "x", Code: "E1"}}
	m := envelopeToJSONMap(env)
	errMap := m["error"].(map[string]interface{})
	require.Equal(t, "x", errMap["message"])
	require.Equal(t, "E1", errMap["code"])
}

func TestStatusFromEnvelope(t *testing.T) {
	require.Equal(t, events.StatusCompleted, statusFromEnvelope(plugins.Success("x", nil)))
	require.Equal(t, events.StatusFailed, statusFromEnvelope(&plugins.Envelope{Status: "error"}))
}

func TestEnvelopeErrorMessage_FallsBackWhenNoErrorField(t *testing.T) {
	require.Equal(t, "task reported status: error", envelopeErrorMessage(&plugins.Envelope{Status: "error"}))
	require.Equal(t, fmt.Sprintf("boom"), envelopeErrorMessage(&plugins.Envelope{Status: "error", Error: &plugins.EnvelopeError{Message: "boom"}}))
}
