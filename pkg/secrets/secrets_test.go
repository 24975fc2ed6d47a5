package secrets_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/rdeploy/pkg/secrets"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    secrets.Ref
		wantErr error
	}{
		{in: "env:DEPLOY_PASSWORD", want: secrets.Ref{Scheme: "env", Value: "DEPLOY_PASSWORD"}},
		{in: "file:~/.ssh/id_ed25519", want: secrets.Ref{Scheme: "file", Value: "~/.ssh/id_ed25519"}},
		{in: "prompt:ssh password", want: secrets.Ref{Scheme: "prompt", Value: "ssh password"}},
		{in: "file:/etc/app/db:url", want: secrets.Ref{Scheme: "file", Value: "/etc/app/db:url"}},
		{in: "hunter2", wantErr: secrets.ErrNotRef},
		{in: "env:", wantErr: secrets.ErrNotRef},
		{in: "vault:kv/app", wantErr: secrets.ErrUnknownScheme},
		{in: "postgresql://user@db/app", wantErr: secrets.ErrUnknownScheme},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := secrets.ParseRef(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, secrets.IsRef(tt.in))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
			assert.True(t, secrets.IsRef(tt.in))
		})
	}
}

func TestStoreEnv(t *testing.T) {
	t.Setenv("RDEPLOY_TEST_SECRET", "s3cr3t-for-test")
	s := secrets.NewStore()

	v, err := s.Resolve(context.Background(), "env:RDEPLOY_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-for-test", v)

	_, err = s.Resolve(context.Background(), "env:RDEPLOY_TEST_SECRET_UNSET")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
	assert.NotContains(t, err.Error(), "s3cr3t")

	_, err = s.Resolve(context.Background(), "prompt:password")
	assert.ErrorIs(t, err, secrets.ErrUnknownScheme, "prompt is opt-in")
}

func TestStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	require.NoError(t, os.WriteFile(path, []byte("NODE_ENV=production\n"), 0o600))

	s := secrets.NewStore()
	v, err := s.Resolve(context.Background(), "file:"+path)
	require.NoError(t, err)
	assert.Equal(t, "NODE_ENV=production\n", v)

	_, err = s.Resolve(context.Background(), "file:"+path+".missing")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestStoreCaches(t *testing.T) {
	calls := 0
	s := secrets.NewStore()
	s.Register(secrets.SchemePrompt, secrets.SourceFunc(func(_ context.Context, label string) (string, error) {
		calls++
		return "answer to " + label, nil
	}))

	for i := 0; i < 3; i++ {
		v, err := s.Resolve(context.Background(), "prompt:ssh password")
		require.NoError(t, err)
		assert.Equal(t, "answer to ssh password", v)
	}
	assert.Equal(t, 1, calls)
}

func TestStoreRereadsRotatedSecrets(t *testing.T) {
	s := secrets.NewStore()
	ctx := context.Background()

	t.Setenv("RDEPLOY_TEST_ROTATED", "first")
	v, err := s.Resolve(ctx, "env:RDEPLOY_TEST_ROTATED")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	t.Setenv("RDEPLOY_TEST_ROTATED", "second")
	v, err = s.Resolve(ctx, "env:RDEPLOY_TEST_ROTATED")
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("old key"), 0o600))
	v, err = s.Resolve(ctx, "file:"+path)
	require.NoError(t, err)
	assert.Equal(t, "old key", v)
	require.NoError(t, os.WriteFile(path, []byte("new key"), 0o600))
	v, err = s.Resolve(ctx, "file:"+path)
	require.NoError(t, err)
	assert.Equal(t, "new key", v)
}

func TestEnvSource(t *testing.T) {
	src := secrets.EnvSource(func(name string) (string, bool) {
		if name == "A" {
			return "1", true
		}
		return "", false
	})
	v, err := src.Lookup(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	_, err = src.Lookup(context.Background(), "B")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := secrets.ExpandHome("~/.ssh/known_hosts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh/known_hosts"), got)

	got, err = secrets.ExpandHome("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", got)
}

func TestDryRun(t *testing.T) {
	v, err := secrets.DryRun{}.Resolve(context.Background(), "env:DATABASE_URL")
	require.NoError(t, err)
	assert.Equal(t, "<env:DATABASE_URL>", v)

	_, err = secrets.DryRun{}.Resolve(context.Background(), "plain")
	assert.ErrorIs(t, err, secrets.ErrNotRef)
}

func TestPromptNeedsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()

	p := &secrets.PromptSource{In: f, Out: os.Stderr}
	_, err = p.Lookup(context.Background(), "ssh password")
	assert.ErrorIs(t, err, secrets.ErrNoTerminal)
}
