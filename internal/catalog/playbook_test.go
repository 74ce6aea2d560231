package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlaybook = `
workflow:
  - step: start
    tool:
      kind: python
    next:
      - when: "{{ check.temp > 80 }}"
        step: hot
      - when: "{{ check.temp <= 80 }}"
        step: cold
  - step: hot
    tool:
      kind: python
    next:
      - step: end
  - step: cold
    tool:
      kind: python
    next:
      - step: end
  - step: end
workbook: []
`

func TestParse_MinimalSurface(t *testing.T) {
	pb, err := Parse([]byte(samplePlaybook))
	require.NoError(t, err)
	require.Len(t, pb.Workflow, 4)

	start, ok := pb.StartStep()
	require.True(t, ok)
	assert.Equal(t, "python", start.Tool.Kind)
	assert.Len(t, start.Next, 2)
}

func TestValidate_DetectsMissingTarget(t *testing.T) {
	pb, err := Parse([]byte(`
workflow:
  - step: start
    tool: {kind: python}
    next:
      - step: nowhere
`))
	require.NoError(t, err)
	problems := pb.Validate()
	assert.Contains(t, problems, `step "start": next target "nowhere" does not exist`)
}

func TestValidate_DetectsUnreachableStep(t *testing.T) {
	withOrphan := strings.Replace(samplePlaybook, "workbook: []", "  - step: orphan\n    tool: {kind: python}\nworkbook: []", 1)
	pb, err := Parse([]byte(withOrphan))
	require.NoError(t, err)
	problems := pb.Validate()
	found := false
	for _, p := range problems {
		if p == `step "orphan" is unreachable from start` {
			found = true
		}
	}
	assert.True(t, found, "expected unreachable-step problem, got %v", problems)
}

func TestValidate_CleanPlaybookHasNoProblems(t *testing.T) {
	pb, err := Parse([]byte(samplePlaybook))
	require.NoError(t, err)
	assert.Empty(t, pb.Validate())
}
