package plugins

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/internal/keychain"
)

// secretResolver is the narrow keychain.Resolver surface this plugin needs.
type secretResolver interface {
	Resolve(ctx context.Context, catalogID int64, name string, scope keychain.Scope, executionID *int64) (map[string]interface{}, error)
}

// SecretPlugin dispatches `task.kind: secret` jobs: fetches a keychain
// entry's decrypted value for use by a later step in the same
// playbook, per spec.md §1's "secret fetch" plugin.
type SecretPlugin struct {
	resolver secretResolver
}

// NewSecretPlugin constructs a SecretPlugin backed by resolver.
func NewSecretPlugin(resolver secretResolver) *SecretPlugin {
	return &SecretPlugin{resolver: resolver}
}

func (p *SecretPlugin) Execute(ctx context.Context, config map[string]interface{}, execContext map[string]interface{}) (*Envelope, error) {
	name, _ := config["keychain_name"].(string)
	if name == "" {
		return Failure(fmt.Errorf("secret: keychain_name is required")), nil
	}
	scope := keychain.ScopeGlobal
	if s, ok := config["scope"].(string); ok && s != "" {
		scope = keychain.Scope(s)
	}

	var executionID *int64
	if scope != keychain.ScopeGlobal {
		if execID, ok := execContext["execution_id"].(int64); ok {
			executionID = &execID
		}
	}

	value, err := p.resolver.Resolve(ctx, catalogIDFromConfig(config), name, scope, executionID)
	if err != nil {
		return Failure(err), nil
	}
	return Success(value, map[string]interface{}{"keychain_name": name, "scope": string(scope)}), nil
}

func catalogIDFromConfig(config map[string]interface{}) int64 {
	switch v := config["catalog_id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
