package broker

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/events"
)

func TestRenderTransitionContext_PrecedenceOrder(t *testing.T) {
	t.Run("args beats payload beats with", func(t *testing.T) {
		transition := catalog.Transition{
			With:    map[string]interface{}{"x": "from-with"},
			Payload: map[string]interface{}{"x": "from-payload"},
			Args:    map[string]interface{}{"x": "from-args"},
		}
		rendered := renderTransitionContext(transition, map[string]interface{}{})
		require.Equal(t, "from-args", rendered["x"])
	})

	t.Run("data overlays everything else", func(t *testing.T) {
		transition := catalog.Transition{
			With:    map[string]interface{}{"x": "from-with"},
			Payload: map[string]interface{}{"x": "from-payload"},
			Args:    map[string]interface{}{"x": "from-args"},
			Data:    map[string]interface{}{"x": "from-data"},
		}
		rendered := renderTransitionContext(transition, map[string]interface{}{})
		require.Equal(t, "from-data", rendered["x"])
	})

	t.Run("fields render against the eval context", func(t *testing.T) {
		transition := catalog.Transition{Payload: map[string]interface{}{"greeting": "hello {{ name }}"}}
		rendered := renderTransitionContext(transition, map[string]interface{}{"name": "world"})
		require.Equal(t, "hello world", rendered["greeting"])
	})
}

func TestFireTransition_EndStep_EmitsExecutionCompletedWithResult(t *testing.T) {
	tb := newTestBroker(t)
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "end", Result: map[string]interface{}{"ok": true}},
	}}

	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := tb.broker.fireTransition(context.Background(), 1, 2, pb, catalog.Transition{Step: "end"}, map[string]interface{}{}, 10)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestFireTransition_UnconditionalEndWithNoDeclaredStep_UsesTransitionData(t *testing.T) {
	tb := newTestBroker(t)
	pb := &catalog.Playbook{Workflow: []catalog.Step{{Step: "start"}}}

	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))

	transition := catalog.Transition{Step: "end", Data: map[string]interface{}{"done": true}}
	err := tb.broker.fireTransition(context.Background(), 1, 2, pb, transition, map[string]interface{}{}, 10)
	require.NoError(t, err)
}

func TestFireTransition_UnknownTarget_ReturnsPermanentError(t *testing.T) {
	tb := newTestBroker(t)
	pb := &catalog.Playbook{Workflow: []catalog.Step{{Step: "start"}}}

	err := tb.broker.fireTransition(context.Background(), 1, 2, pb, catalog.Transition{Step: "missing"}, map[string]interface{}{}, 10)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.False(t, execErr.Transient)
}

func TestFireTransition_PlainStep_EmitsStepStartedAndEnqueues(t *testing.T) {
	tb := newTestBroker(t)
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "notify", Tool: &catalog.ToolRef{Kind: "http", Name: "n"}},
	}}

	tb.mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)
	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))
	tb.mock.ExpectQuery(`SELECT queue_id FROM queue WHERE execution_id = \$1 AND node_id = \$2`).WillReturnError(sql.ErrNoRows)
	tb.mock.ExpectQuery(`INSERT INTO queue`).WillReturnRows(sqlmock.NewRows([]string{"queue_id"}).AddRow(1))

	err := tb.broker.fireTransition(context.Background(), 1, 2, pb, catalog.Transition{Step: "notify"}, map[string]interface{}{}, 10)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestFireTransition_LoopStep_DelegatesToIterator(t *testing.T) {
	tb := newTestBroker(t)
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "each", Loop: &catalog.LoopConfig{Collection: []interface{}{1, 2}, Element: "item"}},
	}}

	// iterator.Expand: step_started (marker) then worker-side enqueue
	tb.mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)
	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))
	tb.mock.ExpectQuery(`SELECT queue_id FROM queue WHERE execution_id = \$1 AND node_id = \$2`).WillReturnError(sql.ErrNoRows)
	tb.mock.ExpectQuery(`INSERT INTO queue`).WillReturnRows(sqlmock.NewRows([]string{"queue_id"}).AddRow(1))

	err := tb.broker.fireTransition(context.Background(), 1, 2, pb, catalog.Transition{Step: "each"}, map[string]interface{}{}, 10)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestFireTransition_SubPlaybookStep_MissingCatalogID_ReturnsPermanentError(t *testing.T) {
	tb := newTestBroker(t)
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "spawn", Tool: &catalog.ToolRef{Kind: "playbook"}},
	}}

	tb.mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)
	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := tb.broker.fireTransition(context.Background(), 1, 2, pb, catalog.Transition{Step: "spawn"}, map[string]interface{}{}, 10)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.False(t, execErr.Transient)
}

func TestDispatchFirstStep_ActionableStart_IsNoOp(t *testing.T) {
	tb := newTestBroker(t)
	expectCatalogLookup(tb.mock, 2, "workflow:\n  - step: start\n    tool:\n      kind: http\n")

	err := tb.broker.dispatchFirstStep(context.Background(), 1, 2)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestDispatchFirstStep_UnconditionalNextExists_IsNoOp(t *testing.T) {
	tb := newTestBroker(t)
	expectCatalogLookup(tb.mock, 3, "workflow:\n  - step: start\n    next:\n      - step: a\n  - step: a\n    tool:\n      kind: http\n")

	err := tb.broker.dispatchFirstStep(context.Background(), 1, 3)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestDispatchFirstStep_MissingStartStep_ReturnsPermanentError(t *testing.T) {
	tb := newTestBroker(t)
	expectCatalogLookup(tb.mock, 9, "workflow:\n  - step: not_start\n")

	err := tb.broker.dispatchFirstStep(context.Background(), 1, 9)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.False(t, execErr.Transient)
}

func TestCompleteSubPlaybookStep_PassesChildResultThroughAsActionCompleted(t *testing.T) {
	tb := newTestBroker(t)
	parentStepStarted := &events.Event{EventID: 100, ExecutionID: 1, CatalogID: 2, NodeID: "1:spawn", NodeName: "spawn"}
	childCompleted := &events.Event{EventID: 200, ExecutionID: 99, Result: events.JSONMap{"status": "success", "data": map[string]interface{}{"v": 1}}}

	// action_completed append (not a marker type, no findMarker)
	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))
	// processCompletedSteps: query action_completed, query step_completed, load playbook
	tb.mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1 AND event_type IN`).
		WillReturnRows(eventRowsWith(events.Event{
			EventID: 300, ExecutionID: 1, CatalogID: 2, EventType: events.TypeActionCompleted,
			NodeID: "1:spawn", NodeName: "spawn", Status: events.StatusCompleted,
			Result: events.JSONMap{"status": "success", "data": map[string]interface{}{"v": 1}},
		}))
	tb.mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1 AND event_type IN`).WillReturnRows(eventRows())
	expectCatalogLookup(tb.mock, 2, "workflow:\n  - step: spawn\n    tool:\n      kind: playbook\n")
	// completeStep: emit step_completed (marker) + buildEvalContext (execution_started, action_completed) + fireTransitions (no next -> nothing more)
	tb.mock.ExpectQuery(`SELECT event_id FROM event`).WillReturnError(sql.ErrNoRows)
	tb.mock.ExpectExec(`INSERT INTO event`).WillReturnResult(sqlmock.NewResult(1, 1))
	tb.mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1 AND event_type IN`).WillReturnRows(eventRows())
	tb.mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1 AND event_type IN`).WillReturnRows(eventRows())

	err := tb.broker.completeSubPlaybookStep(context.Background(), 1, parentStepStarted, childCompleted)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestCheckChildCompletion_NoParentEventID_IsNoOp(t *testing.T) {
	tb := newTestBroker(t)
	childStarted := &events.Event{EventID: 1, ExecutionID: 2}
	childCompleted := &events.Event{EventID: 3, ExecutionID: 2}

	err := tb.broker.checkChildCompletion(context.Background(), 1, childStarted, childCompleted)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}

func TestOnExecutionCompleted_TopLevelExecution_IsNoOp(t *testing.T) {
	tb := newTestBroker(t)
	tb.mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1 AND event_type IN`).
		WillReturnRows(eventRowsWith(events.Event{EventID: 1, ExecutionID: 5, CatalogID: 2, EventType: events.TypeExecutionStarted, Status: events.StatusCompleted}))

	ev := &events.Event{EventID: 9, ExecutionID: 5, EventType: events.TypeExecutionCompleted}
	err := tb.broker.onExecutionCompleted(context.Background(), ev)
	require.NoError(t, err)
	require.NoError(t, tb.mock.ExpectationsWereMet())
}
