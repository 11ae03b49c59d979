package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatewarden/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestAvailable(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	assert.NoError(t, s.Available(ctx))

	missing, _ := New(filepath.Join(root, "nope"))
	err = missing.Available(ctx)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestStampRoundTripAndMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := New(t.TempDir())
	_, err := s.ReadStamp(ctx)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.WriteStamp(ctx, "2025-01-02T03:04:05Z"))
	v, err := s.ReadStamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02T03:04:05Z", v)
}

func TestPushPullOverlay(t *testing.T) {
	ctx := context.Background()
	s, _ := New(t.TempDir())
	local := t.TempDir()
	writeFile(t, filepath.Join(local, "config.json"), "v1")
	writeFile(t, filepath.Join(local, "sessions", "a.json"), "a")
	writeFile(t, filepath.Join(local, "gateway.lock"), "lock")
	writeFile(t, filepath.Join(local, store.StampName), "stamp")

	opts := store.CopyOptions{Exclude: []string{"*.lock"}}
	require.NoError(t, s.Push(ctx, local, "config", opts))

	_, err := os.Stat(filepath.Join(s.Root, "config", "gateway.lock"))
	assert.True(t, os.IsNotExist(err), "excluded file must not be pushed")
	_, err = os.Stat(filepath.Join(s.Root, "config", store.StampName))
	assert.True(t, os.IsNotExist(err), "stamp is never copied as tree content")

	fresh := t.TempDir()
	writeFile(t, filepath.Join(fresh, "config.json"), "stale")
	writeFile(t, filepath.Join(fresh, "local-only.txt"), "keep")
	require.NoError(t, s.Pull(ctx, "config", fresh, opts))

	assert.Equal(t, "v1", readFile(t, filepath.Join(fresh, "config.json")))
	assert.Equal(t, "a", readFile(t, filepath.Join(fresh, "sessions", "a.json")))
	assert.Equal(t, "keep", readFile(t, filepath.Join(fresh, "local-only.txt")))
}

func TestPullMissingRemote(t *testing.T) {
	s, _ := New(t.TempDir())
	err := s.Pull(context.Background(), "skills", t.TempDir(), store.CopyOptions{})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestInvalidRemoteName(t *testing.T) {
	s, _ := New(t.TempDir())
	err := s.Push(context.Background(), t.TempDir(), "../escape", store.CopyOptions{})
	assert.Error(t, err)
}

func TestCopyTreeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")
	err := store.CopyTree(ctx, src, t.TempDir(), store.CopyOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
