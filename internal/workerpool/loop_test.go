package workerpool

import (
	"context"
	"database/sql"
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

// pluginFunc adapts a function to the plugins.Plugin interface.
type pluginFunc func(ctx context.Context, config, execCtx map[string]interface{}) (*plugins.Envelope, error)

func (f pluginFunc) Execute(ctx context.Context, config, execCtx map[string]interface{}) (*plugins.Envelope, error) {
	return f(ctx, config, execCtx)
}

func TestRunLoopJob_AggregatesResultsAndStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	defer sqlxDB.Close()
	mock.MatchExpectationsInOrder(false)

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventStore := events.NewStore(sqlxDB, gen, logger, 1)
	queue := queuemgr.NewManager(sqlxDB, gen, logger)
	registry := plugins.NewRegistry()

	call := 0
	registry.Register("http", func() plugins.Plugin {
		return pluginFunc(func(ctx context.Context, config, execCtx map[string]interface{}) (*plugins.Envelope, error) {
			call++
			if call == 2 {
				return &plugins.Envelope{Status: "error", Error: &plugins.EnvelopeError{Message: "item failed"}}, nil
			}
			return plugins.Success(config["item"], nil), nil
		})
	})

	pool := New(queue, eventStore, registry, Config{Concurrency: 1, LeaseDuration: time.Second, PollInterval: time.Millisecond}, logger)

	entry := &queuemgr.Entry{
		QueueID: 5, ExecutionID: 20, CatalogID: 7, NodeID: "n5", NodeName: "fetch_all",
		Action: queuemgr.JSONMap{
			"kind":   "http",
			"config": map[string]interface{}{},
			"loop":   map[string]interface{}{"element": "item", "items": []interface{}{"a", "b", "c"}},
		},
		Context: queuemgr.JSONMap{},
		Meta:    queuemgr.JSONMap{},
	}

	// 3 iteration_started markers: idempotency lookup (miss) + insert, each.
	mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)

	// Per iteration: iteration_started, action_started, action_completed
	// (3 inserts x 3 items), plus the final synthetic action_completed
	// for the job as a whole.
	for i := 0; i < 10; i++ {
		mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))
	}

	mock.ExpectQuery(`UPDATE queue SET status = \$1 WHERE queue_id = \$2 AND worker_id = \$3 AND status = \$4 RETURNING \*`).
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_id", "execution_id", "catalog_id", "node_id", "node_name", "action", "context", "meta",
			"priority", "status", "attempts", "max_attempts", "available_at", "created_at",
		}).AddRow(5, 20, 7, "n5", "fetch_all", []byte("{}"), []byte("{}"), []byte("{}"), 0, "done", 1, 1, time.Now(), time.Now()))

	pool.runLoopJob(context.Background(), entry, nil, entry.Action["loop"], map[string]interface{}{})

	require.Equal(t, 3, call)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLoopJob_MalformedLoopConfig_Fails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	defer sqlxDB.Close()

	gen, err := ids.NewGenerator(0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventStore := events.NewStore(sqlxDB, gen, logger, 1)
	queue := queuemgr.NewManager(sqlxDB, gen, logger)
	registry := plugins.NewRegistry()
	pool := New(queue, eventStore, registry, Config{}, logger)

	entry := &queuemgr.Entry{QueueID: 9, ExecutionID: 21, CatalogID: 1, MaxAttempts: 3, Meta: queuemgr.JSONMap{}}

	mock.ExpectQuery(`SELECT \* FROM queue WHERE queue_id = \$1 AND worker_id = \$2 AND status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_id", "execution_id", "catalog_id", "node_id", "node_name", "action", "context", "meta",
			"priority", "status", "attempts", "max_attempts", "available_at", "created_at",
		}).AddRow(9, 21, 1, "n9", "bad", []byte("{}"), []byte("{}"), []byte("{}"), 0, "leased", 1, 3, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE queue SET status = \$1, available_at = \$2, worker_id = NULL, lease_until = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.runLoopJob(context.Background(), entry, nil, "not-a-map", map[string]interface{}{})
	require.NoError(t, mock.ExpectationsWereMet())
}
