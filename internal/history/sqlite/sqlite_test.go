package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatewarden/internal/history"
)

func TestSinkRecordsStartAndExit(t *testing.T) {
	ctx := context.Background()
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	run := history.Run{ID: "run-1", Name: "gateway", Attempt: 1, PID: 42, StartedAt: time.Now()}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Run: run}))

	code := 137
	run.ExitCode = &code
	run.RuntimeSeconds = 3.5
	run.Outcome = "short_lived"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: time.Now(), Run: run}))

	n, err := sink.Count(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var exit *int64
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT exit_code FROM gateway_runs WHERE run_id = ? AND event = 'exit'`, "run-1").Scan(&exit))
	require.NotNil(t, exit)
	assert.Equal(t, int64(137), *exit)
}

func TestSinkInMemoryAndSchemaIdempotent(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.ensureSchema(context.Background()))
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStart, Run: history.Run{ID: "x"}}))
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
