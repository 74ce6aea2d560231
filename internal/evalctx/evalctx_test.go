package evalctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/catalog"
)

func TestEvaluateTransitions_FiresAllMatchingGuards(t *testing.T) {
	e := New()
	next := []catalog.Transition{
		{When: `temperature > 30`, Step: "hot"},
		{When: `temperature <= 30`, Step: "cold"},
		{Step: "always"}, // unconditional
	}

	matched, err := e.EvaluateTransitions(next, map[string]interface{}{"temperature": 35})
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "hot", matched[0].Step)
	assert.Equal(t, "always", matched[1].Step)
}

func TestEvaluateTransitions_NoMatches(t *testing.T) {
	e := New()
	next := []catalog.Transition{{When: `false`, Step: "never"}}

	matched, err := e.EvaluateTransitions(next, map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestEvaluateRetryPolicies_StopsAtFirstMatch(t *testing.T) {
	e := New()
	policies := []catalog.RetryPolicy{
		{When: `attempts < 3`, Then: catalog.RetryThen{MaxAttempts: 3}},
		{When: `true`, Then: catalog.RetryThen{MaxAttempts: 99}},
	}

	matched, err := e.EvaluateRetryPolicies(policies, map[string]interface{}{"attempts": 1})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, 3, matched.Then.MaxAttempts)
}

func TestEvaluateRetryPolicies_NoneMatchReturnsNil(t *testing.T) {
	e := New()
	policies := []catalog.RetryPolicy{{When: `false`, Then: catalog.RetryThen{MaxAttempts: 3}}}

	matched, err := e.EvaluateRetryPolicies(policies, map[string]interface{}{})
	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestEvaluateTransitions_PropagatesGuardError(t *testing.T) {
	e := New()
	next := []catalog.Transition{{When: `this is not valid expr (((`, Step: "x"}}

	_, err := e.EvaluateTransitions(next, map[string]interface{}{})
	assert.Error(t, err)
}
