package opcli

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlab/komodoctl/internal/core/secrets"
)

// fakeRunner returns canned outputs per joined-args key and records calls.
type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.outputs[key], nil
}

const itemJSON = `{
  "id": "abc123",
  "title": "komodo-core",
  "vault": {"id": "v1", "name": "Homelab"},
  "fields": [
    {"id": "f1", "type": "CONCEALED", "label": "KOMODO_PASSKEY", "value": "passkey-value"},
    {"id": "f2", "type": "CONCEALED", "label": "KOMODO_DB_PASSWORD", "value": "hunter2"}
  ]
}`

func TestCheckAuth_MissingToken(t *testing.T) {
	t.Setenv(TokenEnv, "")

	c := NewWithRunner(&fakeRunner{}, nil)
	_, err := c.CheckAuth(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestCheckAuth_OK(t *testing.T) {
	t.Setenv(TokenEnv, "ops_token")

	runner := &fakeRunner{outputs: map[string][]byte{
		"whoami --format json": []byte(`{"url":"https://my.1password.com","user_type":"SERVICE_ACCOUNT","account_uuid":"u1"}`),
	}}
	c := NewWithRunner(runner, nil)

	acct, err := c.CheckAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SERVICE_ACCOUNT", acct.UserType)
}

func TestCheckAuth_RejectedToken(t *testing.T) {
	t.Setenv(TokenEnv, "ops_bad")

	runner := &fakeRunner{errs: map[string]error{
		"whoami --format json": &OpError{Args: []string{"whoami"}, Stderr: "invalid token"},
	}}
	c := NewWithRunner(runner, nil)

	_, err := c.CheckAuth(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestResolve_FieldLookup(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"item get komodo-core --vault Homelab --format json": []byte(itemJSON),
	}}
	c := NewWithRunner(runner, nil)

	ref := secrets.Ref{Vault: "Homelab", Item: "komodo-core", Field: "KOMODO_PASSKEY"}
	value, err := c.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "passkey-value", value)
}

func TestResolve_MissingField(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"item get komodo-core --vault Homelab --format json": []byte(itemJSON),
	}}
	c := NewWithRunner(runner, nil)

	ref := secrets.Ref{Vault: "Homelab", Item: "komodo-core", Field: "MISSING"}
	_, err := c.Resolve(context.Background(), ref)
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestResolve_CachesItemFetch(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"item get komodo-core --vault Homelab --format json": []byte(itemJSON),
	}}
	c := NewWithRunner(runner, nil)

	ctx := context.Background()
	_, err := c.Resolve(ctx, secrets.Ref{Vault: "Homelab", Item: "komodo-core", Field: "KOMODO_PASSKEY"})
	require.NoError(t, err)
	_, err = c.Resolve(ctx, secrets.Ref{Vault: "Homelab", Item: "komodo-core", Field: "KOMODO_DB_PASSWORD"})
	require.NoError(t, err)

	assert.Len(t, runner.calls, 1, "second field must come from the cache")
}

func TestRead_InvokesOpReadAndTrimsNewline(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"read op://Homelab/infra-webhook/secret": []byte("wh-secret-value\n"),
	}}
	c := NewWithRunner(runner, nil)

	ref := secrets.Ref{Vault: "Homelab", Item: "infra-webhook", Field: "secret"}
	value, err := c.Read(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "wh-secret-value", value)
	assert.Equal(t, []string{"read op://Homelab/infra-webhook/secret"}, runner.calls)
}

func TestRead_PropagatesOpError(t *testing.T) {
	opErr := &OpError{Args: []string{"read"}, Stderr: "item not found"}
	runner := &fakeRunner{errs: map[string]error{
		"read op://Homelab/missing/secret": opErr,
	}}
	c := NewWithRunner(runner, nil)

	_, err := c.Read(context.Background(), secrets.Ref{Vault: "Homelab", Item: "missing", Field: "secret"})
	assert.ErrorIs(t, err, opErr)
}

func TestResolveAll_CollectsFailures(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"item get komodo-core --vault Homelab --format json": []byte(itemJSON),
	}}
	c := NewWithRunner(runner, nil)

	refs := []secrets.Ref{
		{Vault: "Homelab", Item: "komodo-core", Field: "KOMODO_PASSKEY"},
		{Vault: "Homelab", Item: "komodo-core", Field: "NOPE_A"},
		{Vault: "Homelab", Item: "komodo-core", Field: "NOPE_B"},
	}
	_, err := c.ResolveAll(context.Background(), refs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOPE_A")
	assert.Contains(t, err.Error(), "NOPE_B")
}

func TestResolveAll_OK(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"item get komodo-core --vault Homelab --format json": []byte(itemJSON),
	}}
	c := NewWithRunner(runner, nil)

	refs := []secrets.Ref{
		{Vault: "Homelab", Item: "komodo-core", Field: "KOMODO_PASSKEY"},
		{Vault: "Homelab", Item: "komodo-core", Field: "KOMODO_DB_PASSWORD"},
	}
	values, err := c.ResolveAll(context.Background(), refs)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", values["op://Homelab/komodo-core/KOMODO_DB_PASSWORD"])
}
