package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/evalctx"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/iterator"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/retry"
)

type testBroker struct {
	broker  *Broker
	mock    sqlmock.Sqlmock
	catalog *catalog.Repository
}

func newTestBroker(t *testing.T) *testBroker {
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
	evaluator := evalctx.New()
	pl := planner.New(catalogRepo, eventStore, queue, rows, gen, logger)
	retryHandler := retry.New(queue, catalogRepo, eventStore, evaluator, logger)
	iteratorCtl := iterator.New(eventStore, queue, pl, evaluator, gen, logger)

	b := New(eventStore, queue, catalogRepo, pl, retryHandler, iteratorCtl, evaluator, logger)
	return &testBroker{broker: b, mock: mock, catalog: catalogRepo}
}

// expectCatalogLookup primes a single `SELECT * FROM catalog` round
// trip returning content; the repository's LRU cache means subsequent
// Playbook(ctx, catalogID) calls for the same id hit the cache and
// issue no further query.
func expectCatalogLookup(mock sqlmock.Sqlmock, catalogID int64, content string) {
	mock.ExpectQuery(`SELECT \* FROM catalog WHERE catalog_id = \$1`).
		WithArgs(catalogID).
		WillReturnRows(sqlmock.NewRows([]string{"catalog_id", "path", "version", "content", "created_at"}).
			AddRow(catalogID, "p", "1", []byte(content), sqlTime()))
}

func sqlTime() interface{} {
	return sqlmock.AnyArg()
}

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"event_id", "parent_event_id", "execution_id", "parent_execution_id", "catalog_id",
		"event_type", "node_id", "node_name", "node_type", "status", "timestamp", "duration",
		"context", "result", "meta", "iteration_index",
	})
}

// eventRowsWith builds a result set sqlx can scan into []events.Event,
// for stubbing events.Store.Query/QueryByParentExecution round trips.
func eventRowsWith(evs ...events.Event) *sqlmock.Rows {
	rows := eventRows()
	for _, e := range evs {
		ctxBytes, _ := json.Marshal(nonNilMap(e.Context))
		resultBytes, _ := json.Marshal(nonNilMap(e.Result))
		metaBytes, _ := json.Marshal(nonNilMap(e.Meta))

		var parentEventID interface{}
		if e.ParentEventID != nil {
			parentEventID = *e.ParentEventID
		}
		var parentExecutionID interface{}
		if e.ParentExecutionID != nil {
			parentExecutionID = *e.ParentExecutionID
		}
		var iterationIndex interface{}
		if e.IterationIndex != nil {
			iterationIndex = *e.IterationIndex
		}

		rows = rows.AddRow(
			e.EventID, parentEventID, e.ExecutionID, parentExecutionID, e.CatalogID,
			string(e.EventType), e.NodeID, e.NodeName, e.NodeType, string(e.Status), e.Timestamp, e.Duration,
			ctxBytes, resultBytes, metaBytes, iterationIndex,
		)
	}
	return rows
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func TestClassify_NoEvents_ReturnsInitial(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event WHERE execution_id = \$1 AND event_type = \$2`).
		WithArgs(int64(1), events.TypeExecutionCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event WHERE execution_id = \$1 AND event_type = \$2`).
		WithArgs(int64(1), events.TypeExecutionFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event WHERE execution_id = \$1 AND event_type = \$2`).
		WithArgs(int64(1), events.TypeStepStarted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	state, err := tb.broker.classify(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, stateInitial, state)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestClassify_HasStepStarted_ReturnsInProgress(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(1), events.TypeExecutionCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(1), events.TypeExecutionFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(1), events.TypeStepStarted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	state, err := tb.broker.classify(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, stateInProgress, state)
}

func TestClassify_HasExecutionCompleted_ReturnsCompleted(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(1), events.TypeExecutionCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	state, err := tb.broker.classify(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, stateCompleted, state)
}

func TestRoute_CompletedExecution_IsNoOp(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeExecutionCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ev := &events.Event{EventID: 99, ExecutionID: 5, CatalogID: 1, EventType: events.TypeActionCompleted}
	err := tb.broker.route(context.Background(), ev)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestRoute_ActionStarted_IsNoOpOnceInProgress(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeExecutionCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeExecutionFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeStepStarted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ev := &events.Event{EventID: 99, ExecutionID: 5, CatalogID: 1, EventType: events.TypeActionStarted}
	err := tb.broker.route(context.Background(), ev)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestRoute_UnknownEventType_ReturnsError(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeExecutionCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeExecutionFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	tb.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event`).
		WithArgs(int64(5), events.TypeStepStarted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ev := &events.Event{EventID: 99, ExecutionID: 5, CatalogID: 1, EventType: events.EventType("bogus")}
	err := tb.broker.route(context.Background(), ev)
	require.Error(t, err)
}
