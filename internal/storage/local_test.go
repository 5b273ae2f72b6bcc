package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chansplit/chansplit/internal/config"
	cerrors "github.com/chansplit/chansplit/internal/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run OUTPUT.db")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLocalStorage_UploadExists(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	src := writeFile(t, "hello world")
	objectPath := "runs/2024/run OUTPUT.db"

	etag, err := store.Upload(ctx, src, objectPath)
	require.NoError(t, err)
	// md5("hello world")
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", etag)

	exists, err := store.Exists(ctx, objectPath)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "runs/2024/other.db")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_UploadReplaces(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewLocalStorage(base)
	require.NoError(t, err)

	_, err = store.Upload(ctx, writeFile(t, "first"), "out.db")
	require.NoError(t, err)
	_, err = store.Upload(ctx, writeFile(t, "second"), "out.db")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "out.db"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// no temporary files are left behind
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalStorage_UploadMissingSource(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), filepath.Join(t.TempDir(), "absent.db"), "out.db")
	require.Error(t, err)
	assert.True(t, cerrors.IsRetryable(err))
	assert.Equal(t, cerrors.CodeUploadFailed, cerrors.GetCode(err))
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), writeFile(t, "x"), "../outside.db")
	assert.Error(t, err)
	_, err = store.Exists(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestLocalStorage_ContextCancellation(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Upload(ctx, writeFile(t, "x"), "out.db")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Exists(ctx, "out.db")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.StorageConfig{Type: config.StorageNone})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(ctx, config.StorageConfig{Type: config.StorageLocal, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, store)

	_, err = New(ctx, config.StorageConfig{Type: "ftp"})
	assert.Error(t, err)

	_, err = New(ctx, config.StorageConfig{Type: config.StorageLocal})
	assert.Error(t, err)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewLocalStorage(base)
	require.NoError(t, err)

	pub := NewPublisher(store, "lpd/2024", nil)
	src := writeFile(t, "container")

	first, err := pub.Publish(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "lpd/2024/run OUTPUT.db", first.ObjectPath)
	assert.Equal(t, int64(len("container")), first.Size)

	_, err = os.Stat(filepath.Join(base, "lpd", "2024", "run OUTPUT.db"))
	require.NoError(t, err)

	// republishing replaces the object
	second, err := pub.Publish(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, first.ETag, second.ETag)

	_, err = pub.Publish(ctx, filepath.Join(t.TempDir(), "absent.db"))
	assert.Error(t, err)
}
