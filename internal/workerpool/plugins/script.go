package plugins

import (
	"context"
	"log/slog"

	"github.com/noetl/noetl/internal/executor/actions"
)

// ScriptPlugin dispatches `task.kind: script` jobs to the teacher's
// goja-backed sandboxed JavaScript engine (generalized stand-in for a
// Python-exec plugin, per SPEC_FULL.md's domain-stack table).
type ScriptPlugin struct {
	action *actions.ScriptAction
}

// NewScriptPlugin constructs a ScriptPlugin.
func NewScriptPlugin(logger *slog.Logger) *ScriptPlugin {
	return &ScriptPlugin{action: actions.NewScriptActionWithLogger(logger)}
}

func (p *ScriptPlugin) Execute(ctx context.Context, config map[string]interface{}, execContext map[string]interface{}) (*Envelope, error) {
	output, err := p.action.Execute(ctx, actions.NewActionInput(config, execContext))
	if err != nil {
		return Failure(err), nil
	}
	result, ok := output.Data.(*actions.ScriptActionResult)
	if !ok {
		return Success(output.Data, nil), nil
	}
	return Success(result.Result, map[string]interface{}{"duration_ms": result.Duration.Milliseconds()}), nil
}
