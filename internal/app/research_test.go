package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/config"
	"github.com/loykin/gatewarden/internal/research"
	"github.com/loykin/gatewarden/internal/topic"
)

type countingSearcher struct{ calls int }

func (c *countingSearcher) Search(_ context.Context, q string) (*research.QueryResult, error) {
	c.calls++
	if q == "broken" {
		return nil, errors.New("rate limited")
	}
	return &research.QueryResult{Query: q}, nil
}

func topicsConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	tf := filepath.Join(dir, "topics.toml")
	require.NoError(t, os.WriteFile(tf, []byte(`
[[topics]]
name = "raft"
queries = ["raft leader election", "broken"]

[[topics]]
name = "crdt"
queries = ["crdt merge"]
`), 0o644))
	t.Setenv("GATEWARDEN_GATEWAY_COMMAND", "gateway serve")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Topics.Files = []string{filepath.Join(dir, "shadow.toml"), tf}
	cfg.Topics.StateFile = filepath.Join(dir, "state.json")
	cfg.Research.ReportDir = filepath.Join(dir, "reports")
	return cfg
}

func TestTopics_StudyNextWritesReport(t *testing.T) {
	cfg := topicsConfig(t)
	s := &countingSearcher{}
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tp, err := NewTopics(cfg, s, clk, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Topics.Files[1], tp.Source)

	rep, path, err := tp.Study(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "raft", rep.Topic)
	assert.Equal(t, 2, s.calls)
	assert.Equal(t, 1, rep.Failed())
	assert.Equal(t, filepath.Join(cfg.Research.ReportDir, "raft-20250301T120000Z.json"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got research.Report
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Nil(t, got.Queries[1])

	st, err := tp.Rotator.State()
	require.NoError(t, err)
	assert.Equal(t, 0, st.LastIndex)
	assert.True(t, clk.Now().Equal(st.LastStudied["raft"]))

	rep, _, err = tp.Study(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "crdt", rep.Topic)
}

func TestTopics_UnknownNameFailsBeforeSearch(t *testing.T) {
	cfg := topicsConfig(t)
	s := &countingSearcher{}
	tp, err := NewTopics(cfg, s, nil, nil)
	require.NoError(t, err)

	_, _, err = tp.Study(context.Background(), "quantum")
	require.ErrorIs(t, err, topic.ErrTopicNotFound)
	assert.True(t, errors.Is(err, topic.ErrConfig))
	assert.Zero(t, s.calls)
}

func TestReportName(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "a-b-c-20250102T030405Z.json", reportName("a/b c", clk))
}
