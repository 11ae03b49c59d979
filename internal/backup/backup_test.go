package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/store"
	"github.com/loykin/gatewarden/internal/store/mount"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *mount.Store
	local string
	clk   *clock.Fake
	sync  *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := mount.New(t.TempDir())
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "state")
	clk := clock.NewFake(t0)
	s, err := New(st, Config{
		Paths:   []Mapping{{Local: local, Remote: "config"}},
		Exclude: []string{"*.lock"},
	}, clk, nil)
	require.NoError(t, err)
	return &fixture{store: st, local: local, clk: clk, sync: s}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRestore_NoRemoteStampIsNoop(t *testing.T) {
	f := newFixture(t)
	res := f.sync.Restore(context.Background())
	assert.False(t, res.Restored)
	assert.Equal(t, ReasonNoBackup, res.Reason)
	assert.NoError(t, res.Err)
	_, err := os.Stat(f.local)
	assert.True(t, os.IsNotExist(err))
}

func TestRestore_NoLocalStampRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	write(t, filepath.Join(f.store.Root, "config", "creds.json"), "secret")
	require.NoError(t, f.store.WriteStamp(ctx, "2025-05-01T00:00:00Z"))

	res := f.sync.Restore(ctx)
	require.True(t, res.Restored, "%+v", res)
	assert.Equal(t, ReasonRestored, res.Reason)
	assert.Equal(t, "secret", read(t, filepath.Join(f.local, "creds.json")))
	assert.Equal(t, "2025-05-01T00:00:00Z\n", read(t, filepath.Join(f.local, store.StampName)))
}

func TestRestore_ComparesStamps(t *testing.T) {
	cases := []struct {
		name     string
		remote   string
		local    string
		restored bool
		reason   string
	}{
		{"remote newer", "2025-05-02T00:00:00Z", "2025-05-01T00:00:00Z", true, ReasonRestored},
		{"local newer", "2025-05-01T00:00:00Z", "2025-05-02T00:00:00Z", false, ReasonLocalNewer},
		{"equal", "2025-05-01T00:00:00Z", "2025-05-01T00:00:00+00:00", false, ReasonUpToDate},
		{"epoch remote newer", "1746230400", "2025-05-01T00:00:00Z", true, ReasonRestored},
		{"corrupt local loses", "2025-05-01T00:00:00Z", "garbage", true, ReasonRestored},
		{"both corrupt are equal", "??", "garbage", false, ReasonUpToDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			write(t, filepath.Join(f.store.Root, "config", "a.txt"), "remote")
			require.NoError(t, f.store.WriteStamp(ctx, tc.remote))
			write(t, filepath.Join(f.local, "a.txt"), "local")
			write(t, filepath.Join(f.local, store.StampName), tc.local)

			res := f.sync.Restore(ctx)
			assert.Equal(t, tc.restored, res.Restored)
			assert.Equal(t, tc.reason, res.Reason)
			want := "local"
			if tc.restored {
				want = "remote"
			}
			assert.Equal(t, want, read(t, filepath.Join(f.local, "a.txt")))
		})
	}
}

func TestRestore_OverlayKeepsLocalOnlyFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	write(t, filepath.Join(f.store.Root, "config", "shared.json"), "remote")
	require.NoError(t, f.store.WriteStamp(ctx, "2025-05-01T00:00:00Z"))
	write(t, filepath.Join(f.local, "shared.json"), "local")
	write(t, filepath.Join(f.local, "only-here.json"), "mine")

	res := f.sync.Restore(ctx)
	require.True(t, res.Restored)
	assert.Equal(t, "remote", read(t, filepath.Join(f.local, "shared.json")))
	assert.Equal(t, "mine", read(t, filepath.Join(f.local, "only-here.json")))
}

type blockingStore struct {
	store.Durable
	pulls   atomic.Int32
	release chan struct{}
}

func (b *blockingStore) ReadStamp(context.Context) (string, error) {
	return "2025-01-01T00:00:00Z", nil
}

func (b *blockingStore) Pull(_ context.Context, _, _ string, _ store.CopyOptions) error {
	b.pulls.Add(1)
	<-b.release // ignores ctx
	return nil
}

func TestRestore_TimeoutIsNotFatal(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{})}
	t.Cleanup(func() { close(bs.release) })
	s, err := New(bs, Config{
		Paths:          []Mapping{{Local: t.TempDir(), Remote: "config"}},
		RestoreTimeout: 50 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	res := s.Restore(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Restored)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), bs.pulls.Load())
}

func TestPush_WritesStampsAfterCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	write(t, filepath.Join(f.local, "sessions.json"), "s1")
	write(t, filepath.Join(f.local, "gateway.lock"), "x")

	res := f.sync.Push(ctx)
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, "2025-06-01T12:00:00Z", res.Stamp)
	assert.Equal(t, "s1", read(t, filepath.Join(f.store.Root, "config", "sessions.json")))
	_, err := os.Stat(filepath.Join(f.store.Root, "config", "gateway.lock"))
	assert.True(t, os.IsNotExist(err))

	remote, err := f.store.ReadStamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Stamp, remote)
	assert.Equal(t, res.Stamp+"\n", read(t, filepath.Join(f.local, store.StampName)))

	// A restore right after our own push is a no-op.
	r := f.sync.Restore(ctx)
	assert.Equal(t, ReasonUpToDate, r.Reason)
}

func TestPush_FailureIsReportedNotRaised(t *testing.T) {
	st, _ := mount.New(filepath.Join(t.TempDir(), "unmounted"))
	local := t.TempDir()
	write(t, filepath.Join(local, "a"), "a")
	s, err := New(st, Config{Paths: []Mapping{{Local: local, Remote: "config"}}}, clock.NewFake(t0), nil)
	require.NoError(t, err)

	res := s.Push(context.Background())
	assert.False(t, res.OK)
	assert.True(t, errors.Is(res.Err, store.ErrUnavailable))
	_, err = os.Stat(filepath.Join(local, store.StampName))
	assert.True(t, os.IsNotExist(err), "local stamp must only move after a successful copy")
}

func TestPush_NothingToPush(t *testing.T) {
	f := newFixture(t)
	res := f.sync.Push(context.Background())
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
}

func TestFinal_RunsOnce(t *testing.T) {
	f := newFixture(t)
	write(t, filepath.Join(f.local, "a"), "a")
	first := f.sync.Final(context.Background())
	f.clk.Advance(time.Hour)
	second := f.sync.Final(context.Background())
	assert.True(t, first.OK)
	assert.Equal(t, first.Stamp, second.Stamp)
}

func TestLoop_PushesOnInterval(t *testing.T) {
	f := newFixture(t)
	write(t, filepath.Join(f.local, "a"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	f.clk.OnSleep = func(time.Duration) {
		sleeps++
		if sleeps == 3 {
			cancel()
		}
	}
	err := f.sync.Loop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	for _, d := range f.clk.Sleeps() {
		assert.Equal(t, 60*time.Second, d)
	}
	p, _ := f.sync.Last()
	require.NotNil(t, p)
	assert.True(t, p.OK)
}

func TestNew_Validation(t *testing.T) {
	st, _ := mount.New(t.TempDir())
	_, err := New(nil, Config{Paths: []Mapping{{Local: "/a", Remote: "a"}}}, nil, nil)
	assert.Error(t, err)
	_, err = New(st, Config{}, nil, nil)
	assert.Error(t, err)
	_, err = New(st, Config{Paths: []Mapping{{Local: "/a"}}}, nil, nil)
	assert.Error(t, err)
}
