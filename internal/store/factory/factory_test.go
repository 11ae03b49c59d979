package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatewarden/internal/store/mount"
)

func TestNewFromDSN_Mount(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{dir, "file://" + dir, "  " + dir + "  "} {
		st, err := NewFromDSN(context.Background(), dsn)
		require.NoError(t, err, dsn)
		m, ok := st.(*mount.Store)
		require.True(t, ok, "%T", st)
		assert.Equal(t, dir, m.Root)
	}
}

func TestNewFromDSN_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := NewFromDSN(ctx, "")
	assert.Error(t, err)
	_, err = NewFromDSN(ctx, "s3://bucket/prefix")
	assert.ErrorContains(t, err, "unsupported")
	_, err = NewFromDSN(ctx, "gs:///prefix-only")
	assert.ErrorContains(t, err, "no bucket")
}
