package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/internal/executor/actions"
)

// HTTPPlugin dispatches `task.kind: http` jobs, reusing the teacher's
// actions.HTTPAction (SSRF-validated client, auth, redirect handling)
// unchanged and wrapping its output in the §4.8 result envelope.
type HTTPPlugin struct {
	action *actions.HTTPAction
}

// NewHTTPPlugin constructs an HTTPPlugin with the teacher's default
// SSRF-protecting URL validator.
func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{action: actions.NewHTTPAction()}
}

func (p *HTTPPlugin) Execute(ctx context.Context, config map[string]interface{}, execContext map[string]interface{}) (*Envelope, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("plugins: http: marshal config: %w", err)
	}
	var cfg actions.HTTPActionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("plugins: http: invalid config: %w", err)
	}

	output, err := p.action.Execute(ctx, actions.NewActionInput(cfg, execContext))
	if err != nil {
		return Failure(err), nil
	}

	result, ok := output.Data.(*actions.HTTPActionResult)
	if !ok {
		return nil, fmt.Errorf("plugins: http: unexpected result type %T", output.Data)
	}

	meta := map[string]interface{}{"status_code": result.StatusCode, "headers": result.Headers}
	if result.StatusCode >= 400 {
		return &Envelope{
			Status: "error",
			Data:   result.Body,
			Meta:   meta,
			Error:  &EnvelopeError{Message: fmt.Sprintf("http status %d", result.StatusCode), StatusCode: result.StatusCode},
		}, nil
	}
	return Success(result.Body, meta), nil
}
