package retry

import "errors"

// ErrNoApplicablePolicy names the case where no retry policy matches
// (spec.md §4.6 step 4). Handle does not return it: that case goes to
// terminalFail.
var ErrNoApplicablePolicy = errors.New("retry: no applicable retry policy")
