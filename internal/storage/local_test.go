package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalProvider(t *testing.T) *LocalProvider {
	t.Helper()
	provider, err := NewLocalProvider(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return provider
}

func TestNewLocalProvider(t *testing.T) {
	t.Run("creates base directory", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "nested", "backups")
		provider, err := NewLocalProvider(LocalConfig{BasePath: base})
		require.NoError(t, err)
		assert.Equal(t, ProviderLocal, provider.Type())

		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rejects empty base path", func(t *testing.T) {
		_, err := NewLocalProvider(LocalConfig{})
		assert.Error(t, err)
	})
}

func TestLocalProvider_StoreAndRetrieve(t *testing.T) {
	provider := newTestLocalProvider(t)
	ctx := context.Background()

	data := []byte("backup payload")
	location, err := provider.Store(ctx, "backups/b1/artifact.bin", data, map[string]string{"kind": "full"})
	require.NoError(t, err)
	assert.NotEmpty(t, location)

	got, err := provider.Retrieve(ctx, "backups/b1/artifact.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalProvider_RetrieveMissing(t *testing.T) {
	provider := newTestLocalProvider(t)

	_, err := provider.Retrieve(context.Background(), "backups/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestLocalProvider_Delete(t *testing.T) {
	provider := newTestLocalProvider(t)
	ctx := context.Background()

	_, err := provider.Store(ctx, "backups/b1", []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, provider.Delete(ctx, "backups/b1"))

	_, err = provider.Retrieve(ctx, "backups/b1")
	assert.True(t, IsNotFound(err))

	// Deleting again is not an error.
	assert.NoError(t, provider.Delete(ctx, "backups/b1"))
}

func TestLocalProvider_List(t *testing.T) {
	provider := newTestLocalProvider(t)
	ctx := context.Background()

	for _, key := range []string{"backups/b2", "backups/b1", "replicas/r1"} {
		_, err := provider.Store(ctx, key, []byte("data-"+key), nil)
		require.NoError(t, err)
	}

	objects, err := provider.List(ctx, "backups/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "backups/b1", objects[0].Key)
	assert.Equal(t, "backups/b2", objects[1].Key)
	assert.Equal(t, int64(len("data-backups/b1")), objects[0].Size)

	all, err := provider.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalProvider_Stat(t *testing.T) {
	provider := newTestLocalProvider(t)
	ctx := context.Background()

	data := []byte("0123456789")
	_, err := provider.Store(ctx, "backups/b1", data, map[string]string{"tier": "daily"})
	require.NoError(t, err)

	info, err := provider.Stat(ctx, "backups/b1")
	require.NoError(t, err)
	assert.Equal(t, "backups/b1", info.Key)
	assert.Equal(t, int64(10), info.Size)
	assert.False(t, info.ModifiedAt.IsZero())
	assert.Equal(t, "daily", info.Metadata["tier"])

	_, err = provider.Stat(ctx, "backups/missing")
	assert.True(t, IsNotFound(err))
}

func TestLocalProvider_RejectsTraversal(t *testing.T) {
	provider := newTestLocalProvider(t)
	ctx := context.Background()

	tests := []string{
		"../escape",
		"../../etc/passwd",
		"/absolute/path",
		"",
	}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := provider.Store(ctx, key, []byte("x"), nil)
			assert.Error(t, err)
		})
	}
}

func TestLocalProvider_HealthCheck(t *testing.T) {
	provider := newTestLocalProvider(t)
	assert.NoError(t, provider.HealthCheck(context.Background()))
}

func TestLocalProvider_MetadataSurvivesRestart(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	first, err := NewLocalProvider(LocalConfig{BasePath: base})
	require.NoError(t, err)
	_, err = first.Store(ctx, "backups/b1", []byte("x"), map[string]string{"kind": "schema"})
	require.NoError(t, err)

	second, err := NewLocalProvider(LocalConfig{BasePath: base})
	require.NoError(t, err)
	info, err := second.Stat(ctx, "backups/b1")
	require.NoError(t, err)
	assert.Equal(t, "schema", info.Metadata["kind"])
}
