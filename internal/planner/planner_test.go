package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/catalog"
)

type fakeGen struct{ n int64 }

func (f *fakeGen) Next() int64 { f.n++; return f.n }

func TestFirstActionableStep_StartWithTool(t *testing.T) {
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "start", Tool: &catalog.ToolRef{Kind: "http"}},
	}}
	step, ok := firstActionableStep(pb)
	require.True(t, ok)
	assert.Equal(t, "start", step.Step)
}

func TestFirstActionableStep_FollowsUnconditionalTransition(t *testing.T) {
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "start", Next: []catalog.Transition{{Step: "fetch"}}},
		{Step: "fetch", Tool: &catalog.ToolRef{Kind: "http"}},
	}}
	step, ok := firstActionableStep(pb)
	require.True(t, ok)
	assert.Equal(t, "fetch", step.Step)
}

func TestFirstActionableStep_IgnoresConditionalTransitions(t *testing.T) {
	pb := &catalog.Playbook{Workflow: []catalog.Step{
		{Step: "start", Next: []catalog.Transition{{When: "x > 1", Step: "fetch"}}},
		{Step: "fetch", Tool: &catalog.ToolRef{Kind: "http"}},
	}}
	_, ok := firstActionableStep(pb)
	assert.False(t, ok)
}

func TestFirstActionableStep_NoStartStep(t *testing.T) {
	pb := &catalog.Playbook{}
	_, ok := firstActionableStep(pb)
	assert.False(t, ok)
}

func TestDeriveRows_OneRowPerStepTaskAndTransition(t *testing.T) {
	pb := &catalog.Playbook{
		Workflow: []catalog.Step{
			{Step: "start", Tool: &catalog.ToolRef{Kind: "http", Name: "fetch"}, Next: []catalog.Transition{{Step: "end"}}},
			{Step: "end"},
		},
		Workbook: []catalog.Task{{Name: "fetch", Tool: "http"}},
	}
	gen := &fakeGen{}
	workflows, workbooks, transitions := deriveRows(42, pb, gen, time.Now())

	require.Len(t, workflows, 2)
	require.Len(t, workbooks, 1)
	require.Len(t, transitions, 1)
	assert.Equal(t, int64(42), workflows[0].CatalogID)
	assert.Equal(t, "start", transitions[0].FromStep)
	assert.Equal(t, "end", transitions[0].ToStep)
}

func TestInvalidPlaybookError_FormatsReasons(t *testing.T) {
	err := &InvalidPlaybookError{Reasons: []string{"missing start step"}}
	assert.Contains(t, err.Error(), "missing start step")
}
