package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/metrics"
	"github.com/loykin/gatewarden/internal/store"
)

// Restore outcomes.
const (
	ReasonRestored   = "restored"
	ReasonNoBackup   = "no_backup"
	ReasonLocalNewer = "local_newer"
	ReasonUpToDate   = "up_to_date"
	ReasonTimeout    = "timeout"
	ReasonError      = "error"
)

// Mapping pairs a local directory with its sub-tree name in the store.
type Mapping struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type Config struct {
	Paths []Mapping
	// StampPath is the local stamp file. Defaults to <Paths[0].Local>/.last-sync.
	StampPath      string
	Exclude        []string
	RestoreTimeout time.Duration
	PushTimeout    time.Duration
	Interval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.RestoreTimeout <= 0 {
		c.RestoreTimeout = 30 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 60 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.StampPath == "" && len(c.Paths) > 0 {
		c.StampPath = filepath.Join(c.Paths[0].Local, store.StampName)
	}
}

type RestoreResult struct {
	Restored    bool          `json:"restored"`
	Reason      string        `json:"reason"`
	RemoteStamp string        `json:"remote_stamp,omitempty"`
	LocalStamp  string        `json:"local_stamp,omitempty"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
}

type PushResult struct {
	OK       bool          `json:"ok"`
	Stamp    string        `json:"stamp,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Synchronizer reconciles the gateway's local durable state with a store
// using last-write-wins on the sync stamp. A single writer is assumed.
type Synchronizer struct {
	store store.Durable
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	pushMu sync.Mutex

	mu          sync.RWMutex
	lastPush    *PushResult
	lastRestore *RestoreResult

	finalOnce   sync.Once
	finalResult PushResult
}

func New(st store.Durable, cfg Config, clk clock.Clock, log *slog.Logger) (*Synchronizer, error) {
	if st == nil {
		return nil, errors.New("durable store is required")
	}
	if len(cfg.Paths) == 0 {
		return nil, errors.New("at least one backup path is required")
	}
	for _, m := range cfg.Paths {
		if strings.TrimSpace(m.Local) == "" || strings.TrimSpace(m.Remote) == "" {
			return nil, fmt.Errorf("backup path needs local and remote: %+v", m)
		}
	}
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{store: st, cfg: cfg, clock: clk, log: log.With("component", "backup")}, nil
}

func (s *Synchronizer) Store() store.Durable { return s.store }

func (s *Synchronizer) Interval() time.Duration { return s.cfg.Interval }

func (s *Synchronizer) copyOptions() store.CopyOptions {
	return store.CopyOptions{Exclude: s.cfg.Exclude}
}

// Restore pulls the store's snapshot into the local paths when the remote
// stamp is strictly newer than the local one, or no local stamp exists.
// It never returns an error; failures are reported in the result.
func (s *Synchronizer) Restore(ctx context.Context) RestoreResult {
	start := s.clock.Now()
	res, err := runBounded(ctx, s.cfg.RestoreTimeout, s.restore)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res = RestoreResult{Reason: ReasonTimeout, Err: err}
	case err != nil:
		res.Restored = false
		res.Reason = ReasonError
		res.Err = err
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	res.Duration = s.clock.Now().Sub(start)
	s.mu.Lock()
	r := res
	s.lastRestore = &r
	s.mu.Unlock()

	metrics.ObserveSync("restore", res.Reason, res.Duration.Seconds())
	if res.Err != nil {
		s.log.Warn("restore failed, continuing with local state", "reason", res.Reason, "error", res.Err)
	} else {
		s.log.Info("restore finished", "restored", res.Restored, "reason", res.Reason,
			"remote_stamp", res.RemoteStamp, "local_stamp", res.LocalStamp)
	}
	return res
}

func (s *Synchronizer) restore(ctx context.Context) (RestoreResult, error) {
	remote, err := s.store.ReadStamp(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return RestoreResult{Reason: ReasonNoBackup}, nil
	}
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read remote stamp: %w", err)
	}
	res := RestoreResult{RemoteStamp: remote}

	local, hasLocal, err := s.readLocalStamp()
	if err != nil {
		return res, err
	}
	res.LocalStamp = local
	if hasLocal {
		r, l := ParseStamp(remote), ParseStamp(local)
		if r < l {
			res.Reason = ReasonLocalNewer
			return res, nil
		}
		if r == l {
			res.Reason = ReasonUpToDate
			return res, nil
		}
	}

	for _, m := range s.cfg.Paths {
		err := s.store.Pull(ctx, m.Remote, m.Local, s.copyOptions())
		if errors.Is(err, store.ErrNotFound) {
			s.log.Debug("no remote snapshot for path", "remote", m.Remote)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("pull %s: %w", m.Remote, err)
		}
	}
	if err := s.writeLocalStamp(remote); err != nil {
		return res, err
	}
	res.Restored = true
	res.Reason = ReasonRestored
	return res, nil
}

// Push copies the local paths into the store, then records the same stamp
// remotely and locally. Failures are logged and returned, never raised.
func (s *Synchronizer) Push(ctx context.Context) PushResult {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	start := s.clock.Now()
	res := PushResult{At: start}
	stamp, err := runBounded(ctx, s.cfg.PushTimeout, s.push)
	res.Stamp = stamp
	res.Duration = s.clock.Now().Sub(start)
	res.OK = err == nil
	outcome := "ok"
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = ReasonTimeout
		}
		s.log.Warn("push failed", "error", err, "duration", res.Duration)
	} else {
		s.log.Debug("push finished", "stamp", res.Stamp, "duration", res.Duration)
	}
	metrics.ObserveSync("push", outcome, res.Duration.Seconds())

	s.mu.Lock()
	r := res
	s.lastPush = &r
	s.mu.Unlock()
	return res
}

func (s *Synchronizer) push(ctx context.Context) (string, error) {
	if err := s.store.Available(ctx); err != nil {
		return "", err
	}
	pushed := 0
	for _, m := range s.cfg.Paths {
		if _, err := os.Stat(m.Local); os.IsNotExist(err) {
			continue
		}
		if err := s.store.Push(ctx, m.Local, m.Remote, s.copyOptions()); err != nil {
			return "", fmt.Errorf("push %s: %w", m.Local, err)
		}
		pushed++
	}
	if pushed == 0 {
		return "", errors.New("no local paths exist yet, nothing to push")
	}
	stamp := FormatStamp(s.clock.Now())
	if err := s.store.WriteStamp(ctx, stamp); err != nil {
		return "", fmt.Errorf("write remote stamp: %w", err)
	}
	if err := s.writeLocalStamp(stamp); err != nil {
		return "", err
	}
	return stamp, nil
}

// Loop pushes every interval until ctx is done.
func (s *Synchronizer) Loop(ctx context.Context) error {
	for {
		if err := s.clock.Sleep(ctx, s.cfg.Interval); err != nil {
			return err
		}
		s.Push(ctx)
	}
}

// Final runs one last push. Repeated calls return the first result.
func (s *Synchronizer) Final(ctx context.Context) PushResult {
	s.finalOnce.Do(func() {
		s.log.Info("running final push before exit")
		s.finalResult = s.Push(ctx)
	})
	return s.finalResult
}

// Last returns copies of the most recent push and restore results.
func (s *Synchronizer) Last() (*PushResult, *RestoreResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p *PushResult
	var r *RestoreResult
	if s.lastPush != nil {
		cp := *s.lastPush
		p = &cp
	}
	if s.lastRestore != nil {
		cp := *s.lastRestore
		r = &cp
	}
	return p, r
}

func (s *Synchronizer) readLocalStamp() (string, bool, error) {
	b, err := os.ReadFile(s.cfg.StampPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read local stamp: %w", err)
	}
	return strings.TrimSpace(string(b)), true, nil
}

func (s *Synchronizer) writeLocalStamp(v string) error {
	if err := store.WriteFileAtomic(s.cfg.StampPath, strings.NewReader(v+"\n"), 0o600); err != nil {
		return fmt.Errorf("write local stamp: %w", err)
	}
	return nil
}

type bounded[T any] struct {
	v   T
	err error
}

// runBounded runs fn with a deadline and returns as soon as the deadline
// passes, abandoning fn if it ignores cancellation.
func runBounded[T any](parent context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	done := make(chan bounded[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- bounded[T]{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
