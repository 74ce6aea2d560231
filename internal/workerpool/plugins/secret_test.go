package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/keychain"
)

type fakeSecretResolver struct {
	value map[string]interface{}
	err   error
	gotScope keychain.Scope
	gotExecID *int64
}

func (f *fakeSecretResolver) Resolve(ctx context.Context, catalogID int64, name string, scope keychain.Scope, executionID *int64) (map[string]interface{}, error) {
	f.gotScope = scope
	f.gotExecID = executionID
	return f.value, f.err
}

func TestSecretPlugin_MissingName_ReturnsFailureEnvelope(t *testing.T) {
	plugin := NewSecretPlugin(&fakeSecretResolver{})
	env, err := plugin.Execute(context.Background(), map[string]interface{}{}, map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, "error", env.Status)
}

func TestSecretPlugin_GlobalScope_ResolvesWithoutExecutionID(t *testing.T) {
	resolver := &fakeSecretResolver{value: map[string]interface{}{"api_key": "secret-value"}}
	plugin := NewSecretPlugin(resolver)

	config := map[string]interface{}{"keychain_name": "stripe", "catalog_id": float64(7)}
	env, err := plugin.Execute(context.Background(), config, map[string]interface{}{"execution_id": int64(99)})

	require.NoError(t, err)
	require.Equal(t, "success", env.Status)
	require.Equal(t, keychain.ScopeGlobal, resolver.gotScope)
	require.Nil(t, resolver.gotExecID)
	require.Equal(t, resolver.value, env.Data)
}

func TestSecretPlugin_LocalScope_PassesExecutionID(t *testing.T) {
	resolver := &fakeSecretResolver{value: map[string]interface{}{"token": "x"}}
	plugin := NewSecretPlugin(resolver)

	config := map[string]interface{}{"keychain_name": "oauth", "scope": "local"}
	env, err := plugin.Execute(context.Background(), config, map[string]interface{}{"execution_id": int64(42)})

	require.NoError(t, err)
	require.Equal(t, "success", env.Status)
	require.Equal(t, keychain.Scope("local"), resolver.gotScope)
	require.NotNil(t, resolver.gotExecID)
	require.Equal(t, int64(42), *resolver.gotExecID)
}

func TestSecretPlugin_ResolverError_ReturnsFailureEnvelope(t *testing.T) {
	resolver := &fakeSecretResolver{err: errors.New("not found")}
	plugin := NewSecretPlugin(resolver)

	config := map[string]interface{}{"keychain_name": "missing"}
	env, err := plugin.Execute(context.Background(), config, map[string]interface{}{})

	require.NoError(t, err)
	require.Equal(t, "error", env.Status)
}
