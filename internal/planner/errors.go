package planner

import "fmt"

// InvalidPlaybookError is returned when a playbook fails validation
// before any events or queue entries are written (spec.md §4.4 step 1).
type InvalidPlaybookError struct {
	Reasons []string
}

func (e *InvalidPlaybookError) Error() string {
	return fmt.Sprintf("planner: invalid playbook: %v", e.Reasons)
}
