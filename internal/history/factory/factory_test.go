package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatewarden/internal/history/opensearch"
	"github.com/loykin/gatewarden/internal/history/sqlite"
)

func TestNewSinkFromDSN(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSinkFromDSN("sqlite://" + filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN(filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN("opensearch://localhost:9200/runs")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, s)

	_, err = NewSinkFromDSN("opensearch:///nohost")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("kafka://broker:9092")
	assert.Error(t, err)
}

func TestNewSinksClosesOnFailure(t *testing.T) {
	dir := t.TempDir()
	_, closeAll, err := NewSinks([]string{filepath.Join(dir, "ok.db"), "kafka://x"})
	assert.Error(t, err)
	closeAll()

	sinks, closeAll, err := NewSinks([]string{filepath.Join(dir, "ok.db"), "opensearch://h:9200"})
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
	closeAll()
}
