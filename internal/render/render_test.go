package render

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	mock.MatchExpectationsInOrder(false)

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := events.NewStore(sqlxDB, gen, logger, 1)
	return New(store), mock
}

func eventCols() []string {
	return []string{
		"event_id", "parent_event_id", "execution_id", "parent_execution_id", "catalog_id",
		"event_type", "node_id", "node_name", "node_type", "status", "timestamp", "duration",
		"context", "result", "meta", "iteration_index",
	}
}

func TestRenderTask_InterpolatesWorkloadAndStepResults(t *testing.T) {
	svc, mock := newTestService(t)

	workloadCtx, _ := json.Marshal(map[string]interface{}{"region": "us-east"})
	started := sqlmock.NewRows(eventCols()).AddRow(
		1, nil, 100, nil, 5, "execution_started", "", "", "", "STARTED", int64(0), int64(0),
		workloadCtx, []byte("{}"), []byte("{}"), nil,
	)
	mock.ExpectQuery("SELECT \\* FROM event WHERE execution_id").
		WillReturnRows(started)

	stepResult, _ := json.Marshal(map[string]interface{}{"data": map[string]interface{}{"id": "abc"}, "status": "ok"})
	completed := sqlmock.NewRows(eventCols()).AddRow(
		2, nil, 100, nil, 5, "action_completed", "n1", "fetch_user", "", "COMPLETED", int64(0), int64(0),
		[]byte("{}"), stepResult, []byte("{}"), nil,
	)
	mock.ExpectQuery("SELECT \\* FROM event WHERE execution_id").
		WillReturnRows(completed)

	task := map[string]interface{}{
		"region": "{{ region }}",
		"user":   "{{ fetch_user.id }}",
	}

	rendered, err := svc.RenderTask(context.Background(), 100, task, nil)
	require.NoError(t, err)
	require.Equal(t, "us-east", rendered["region"])
	require.Equal(t, "abc", rendered["user"])
}
