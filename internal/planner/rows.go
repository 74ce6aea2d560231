package planner

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/events"
)

// WorkflowRow describes one step definition, persisted read-only after
// planning (spec.md §3.1: "Workflow / Workbook / Transition").
type WorkflowRow struct {
	WorkflowID int64         `db:"workflow_id"`
	CatalogID  int64         `db:"catalog_id"`
	StepName   string        `db:"step_name"`
	StepType   string        `db:"step_type"`
	ToolConfig events.JSONMap `db:"tool_config"`
	CreatedAt  time.Time     `db:"created_at"`
}

// WorkbookRow describes one reusable task definition.
type WorkbookRow struct {
	WorkbookID int64         `db:"workbook_id"`
	CatalogID  int64         `db:"catalog_id"`
	TaskName   string        `db:"task_name"`
	TaskConfig events.JSONMap `db:"task_config"`
	CreatedAt  time.Time     `db:"created_at"`
}

// TransitionRow describes one condition-guarded next-step edge.
type TransitionRow struct {
	TransitionID int64         `db:"transition_id"`
	CatalogID    int64         `db:"catalog_id"`
	FromStep     string        `db:"from_step"`
	ToStep       string        `db:"to_step"`
	WhenExpr     string        `db:"when_expr"`
	Data         events.JSONMap `db:"data"`
	CreatedAt    time.Time     `db:"created_at"`
}

// Repository persists the planner-derived introspection rows.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// SaveWorkflowRows bulk-inserts workflow rows for a freshly planned
// catalog entry.
func (r *Repository) SaveWorkflowRows(ctx context.Context, rows []WorkflowRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO workflow (workflow_id, catalog_id, step_name, step_type, tool_config, created_at)
		VALUES (:workflow_id, :catalog_id, :step_name, :step_type, :tool_config, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, rows)
	return err
}

// SaveWorkbookRows bulk-inserts workbook rows.
func (r *Repository) SaveWorkbookRows(ctx context.Context, rows []WorkbookRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO workbook (workbook_id, catalog_id, task_name, task_config, created_at)
		VALUES (:workbook_id, :catalog_id, :task_name, :task_config, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, rows)
	return err
}

// SaveTransitionRows bulk-inserts transition rows.
func (r *Repository) SaveTransitionRows(ctx context.Context, rows []TransitionRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO transition (transition_id, catalog_id, from_step, to_step, when_expr, data, created_at)
		VALUES (:transition_id, :catalog_id, :from_step, :to_step, :when_expr, :data, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, rows)
	return err
}

// deriveRows translates a parsed playbook into its introspection rows.
// Pure function, no I/O, so Plan can build the full row set before
// opening any transaction.
func deriveRows(catalogID int64, pb *catalog.Playbook, gen idGenerator, now time.Time) ([]WorkflowRow, []WorkbookRow, []TransitionRow) {
	var workflows []WorkflowRow
	var transitions []TransitionRow

	for _, step := range pb.Workflow {
		toolCfg := events.JSONMap{}
		if step.Tool != nil {
			toolCfg["kind"] = step.Tool.Kind
			toolCfg["name"] = step.Tool.Name
		}
		workflows = append(workflows, WorkflowRow{
			WorkflowID: gen.Next(),
			CatalogID:  catalogID,
			StepName:   step.Step,
			StepType:   step.Type,
			ToolConfig: toolCfg,
			CreatedAt:  now,
		})
		for _, tr := range step.Next {
			transitions = append(transitions, TransitionRow{
				TransitionID: gen.Next(),
				CatalogID:    catalogID,
				FromStep:     step.Step,
				ToStep:       tr.Step,
				WhenExpr:     tr.When,
				Data:         events.JSONMap(tr.Data),
				CreatedAt:    now,
			})
		}
	}

	var workbooks []WorkbookRow
	for _, task := range pb.Workbook {
		workbooks = append(workbooks, WorkbookRow{
			WorkbookID: gen.Next(),
			CatalogID:  catalogID,
			TaskName:   task.Name,
			TaskConfig: events.JSONMap(task.Config),
			CreatedAt:  now,
		})
	}

	return workflows, workbooks, transitions
}

// idGenerator is the narrow interface deriveRows needs from ids.Generator.
type idGenerator interface {
	Next() int64
}
