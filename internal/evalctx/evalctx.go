// Package evalctx evaluates the `when:` guards on playbook transitions
// and retry policies. The two call sites have different match
// semantics (spec.md §4.5, §4.6) and are kept as two entry points on
// purpose, so a caller can never accidentally apply first-match
// transition logic or all-match retry logic: a step's `next:` fans out
// to every transition whose guard is true, while a retry policy list
// stops at the first guard that matches.
package evalctx

import (
	"fmt"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/workflow/formula"
)

// Evaluator wraps the teacher's expression evaluator, reused unchanged
// since its built-in function set (string/date/math/array) already
// covers everything spec.md's `when:` guards need.
type Evaluator struct {
	inner *formula.Evaluator
}

// New constructs an Evaluator.
func New() *Evaluator {
	return &Evaluator{inner: formula.NewEvaluator()}
}

// truthy converts a guard result to a bool: nil, false and the empty
// string are false; every other value, numeric zero included, is true.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}

// eval runs a guard expression against a context, treating an empty
// guard as always-true (an unconditional transition/policy).
func (e *Evaluator) eval(when string, execContext map[string]interface{}) (bool, error) {
	if when == "" {
		return true, nil
	}
	result, err := e.inner.Evaluate(when, execContext)
	if err != nil {
		return false, fmt.Errorf("evalctx: guard %q: %w", when, err)
	}
	return truthy(result), nil
}

// EvaluateGuard evaluates a single standalone guard expression, for
// callers with their own fan-out/first-match semantics (e.g. the
// iterator controller's loop `where:` filter) that don't map onto
// either EvaluateTransitions or EvaluateRetryPolicies.
func (e *Evaluator) EvaluateGuard(when string, execContext map[string]interface{}) (bool, error) {
	return e.eval(when, execContext)
}

// EvaluateTransitions returns every transition in next whose `when:`
// guard evaluates truthy against execContext, in declaration order
// (spec.md §4.5: "a step's next: fires ALL matching transitions, not
// just the first"). A transition with no guard always fires.
func (e *Evaluator) EvaluateTransitions(next []catalog.Transition, execContext map[string]interface{}) ([]catalog.Transition, error) {
	var matched []catalog.Transition
	for _, t := range next {
		ok, err := e.eval(t.When, execContext)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// EvaluateRetryPolicies returns the first policy in policies whose
// `when:` guard evaluates truthy against errContext, or nil if none
// match (spec.md §4.6: "retry policies are evaluated in order; the
// first matching policy applies, the rest are ignored").
func (e *Evaluator) EvaluateRetryPolicies(policies []catalog.RetryPolicy, errContext map[string]interface{}) (*catalog.RetryPolicy, error) {
	for i := range policies {
		ok, err := e.eval(policies[i].When, errContext)
		if err != nil {
			return nil, err
		}
		if ok {
			return &policies[i], nil
		}
	}
	return nil, nil
}
