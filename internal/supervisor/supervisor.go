// Package supervisor keeps the gateway running: launch, wait, classify the
// run by its runtime, back off, relaunch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/history"
	"github.com/loykin/gatewarden/internal/metrics"
)

var ErrRetriesExhausted = errors.New("gateway retries exhausted")

// Run outcomes reported to metrics and history.
const (
	OutcomeClean      = "clean"
	OutcomeCrash      = "crash"
	OutcomeShortLived = "short_lived"
	OutcomeStartError = "start_error"
)

type Config struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	SuccessThreshold time.Duration `mapstructure:"success_threshold"`
	// StopTimeout is how long a cancelled run gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       10,
		InitialBackoff:   5 * time.Second,
		MaxBackoff:       120 * time.Second,
		SuccessThreshold: 60 * time.Second,
		StopTimeout:      10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
}

// Handle is a running gateway.
type Handle interface {
	PID() int
	Alive() bool
	Wait() (int, error)
	Stop(wait time.Duration) error
}

type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Handle, error)

func (f LauncherFunc) Launch(ctx context.Context) (Handle, error) { return f(ctx) }

// RunRecord describes one launch. ExitCode is nil when the launch failed.
type RunRecord struct {
	ID        string        `json:"id"`
	Attempt   int           `json:"attempt"`
	PID       int           `json:"pid,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	ExitCode  *int          `json:"exit_code"`
	Runtime   time.Duration `json:"runtime"`
	Outcome   string        `json:"outcome"`
	Err       string        `json:"error,omitempty"`
}

// State is owned by the run loop; readers get copies via State().
type State struct {
	RetryCount    int           `json:"retry_count"`
	Backoff       time.Duration `json:"backoff"`
	FailureStreak bool          `json:"failure_streak"`
	Attempts      int           `json:"attempts"`
	Running       bool          `json:"running"`
	PID           int           `json:"pid,omitempty"`
	LastRun       *RunRecord    `json:"last_run,omitempty"`
}

type Supervisor struct {
	name     string
	cfg      Config
	launcher Launcher
	clock    clock.Clock
	log      *slog.Logger
	sinks    []history.Sink

	mu       sync.RWMutex
	dispatch *history.Dispatcher
	state    State
	current  Handle
}

func New(name string, cfg Config, l Launcher, clk clock.Clock, log *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		name:     name,
		cfg:      cfg,
		launcher: l,
		clock:    clk,
		log:      log.With("component", "supervisor"),
		state:    State{Backoff: cfg.InitialBackoff},
	}
}

// SetHistorySinks configures destinations for start and exit events.
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.mu.Lock()
	s.sinks = append([]history.Sink(nil), sinks...)
	s.mu.Unlock()
}

// State returns a snapshot of the loop state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if st.LastRun != nil {
		r := *st.LastRun
		st.LastRun = &r
	}
	return st
}

// Current returns the running gateway, or nil between runs.
func (s *Supervisor) Current() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Run launches the gateway until retries are exhausted or ctx is done. On
// cancellation the running gateway is stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if d := s.startHistory(); d != nil {
		defer s.stopHistory(d)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, cancelled := s.runOnce(ctx)
		if cancelled {
			return ctx.Err()
		}

		s.mu.Lock()
		st := &s.state
		st.LastRun = &rec
		if rec.Runtime >= s.cfg.SuccessThreshold {
			st.RetryCount = 0
			st.Backoff = s.cfg.InitialBackoff
			st.FailureStreak = false
		} else {
			st.RetryCount++
			st.FailureStreak = true
		}
		retries, backoff := st.RetryCount, st.Backoff
		s.mu.Unlock()

		if retries >= s.cfg.MaxRetries {
			s.log.Error("gateway keeps failing, giving up",
				"attempt", rec.Attempt, "retries", retries, "exit_code", exitCodeAttr(rec.ExitCode))
			return fmt.Errorf("%w after %d short-lived runs", ErrRetriesExhausted, retries)
		}

		metrics.SetBackoff(retries, backoff.Seconds())
		s.log.Info("restarting gateway after backoff",
			"attempt", rec.Attempt, "exit_code", exitCodeAttr(rec.ExitCode), "runtime", rec.Runtime,
			"retries", retries, "next_backoff", backoff)
		if err := s.clock.Sleep(ctx, backoff); err != nil {
			return err
		}

		s.mu.Lock()
		s.state.Backoff = min(2*s.state.Backoff, s.cfg.MaxBackoff)
		s.mu.Unlock()
	}
}

// runOnce launches and waits for one run. cancelled is true when ctx ended
// the run.
func (s *Supervisor) runOnce(ctx context.Context) (RunRecord, bool) {
	s.mu.Lock()
	s.state.Attempts++
	rec := RunRecord{ID: uuid.NewString(), Attempt: s.state.Attempts, StartedAt: s.clock.Now()}
	s.mu.Unlock()

	h, err := s.launcher.Launch(ctx)
	if err != nil {
		rec.Runtime = s.clock.Now().Sub(rec.StartedAt)
		rec.Outcome = OutcomeStartError
		rec.Err = err.Error()
		s.log.Warn("gateway launch failed", "attempt", rec.Attempt, "error", err)
		metrics.ObserveGatewayExit(rec.Outcome, rec.Runtime.Seconds())
		s.emit(history.EventExit, rec)
		return rec, ctx.Err() != nil
	}

	rec.PID = h.PID()
	s.mu.Lock()
	s.current = h
	s.state.Running = true
	s.state.PID = rec.PID
	s.mu.Unlock()
	metrics.IncGatewayStart()
	s.log.Info("gateway running", "attempt", rec.Attempt, "pid", rec.PID, "run_id", rec.ID)
	s.emit(history.EventStart, rec)

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := h.Wait()
		done <- result{code, err}
	}()

	var res result
	cancelled := false
	select {
	case res = <-done:
	case <-ctx.Done():
		cancelled = true
		s.log.Info("stopping gateway", "pid", rec.PID, "timeout", s.cfg.StopTimeout)
		if err := h.Stop(s.cfg.StopTimeout); err != nil {
			s.log.Warn("gateway stop failed", "pid", rec.PID, "error", err)
		}
		res = <-done
	}

	s.mu.Lock()
	s.current = nil
	s.state.Running = false
	s.state.PID = 0
	s.mu.Unlock()

	rec.Runtime = s.clock.Now().Sub(rec.StartedAt)
	code := res.code
	rec.ExitCode = &code
	if res.err != nil {
		rec.Err = res.err.Error()
	}
	switch {
	case rec.Runtime < s.cfg.SuccessThreshold:
		rec.Outcome = OutcomeShortLived
	case code == 0:
		rec.Outcome = OutcomeClean
	default:
		rec.Outcome = OutcomeCrash
	}
	s.log.Info("gateway exited", "attempt", rec.Attempt, "pid", rec.PID, "exit_code", code,
		"runtime", rec.Runtime, "outcome", rec.Outcome)
	metrics.ObserveGatewayExit(rec.Outcome, rec.Runtime.Seconds())
	s.emit(history.EventExit, rec)
	return rec, cancelled
}

// historyDrain bounds how long Run waits for queued history events on exit.
const historyDrain = 2 * history.SendTimeout

func (s *Supervisor) startHistory() *history.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sinks) == 0 {
		return nil
	}
	s.dispatch = history.NewDispatcher(s.log, s.sinks, 0)
	return s.dispatch
}

func (s *Supervisor) stopHistory(d *history.Dispatcher) {
	s.mu.Lock()
	s.dispatch = nil
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), historyDrain)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		s.log.Warn("history events still pending at shutdown", "error", err)
	}
}

// emit queues a lifecycle event; delivery happens off the restart path.
func (s *Supervisor) emit(t history.EventType, rec RunRecord) {
	s.mu.RLock()
	d := s.dispatch
	s.mu.RUnlock()
	if d == nil {
		return
	}
	d.Publish(history.Event{
		Type:       t,
		OccurredAt: s.clock.Now(),
		Run: history.Run{
			ID:             rec.ID,
			Name:           s.name,
			Attempt:        rec.Attempt,
			PID:            rec.PID,
			StartedAt:      rec.StartedAt,
			ExitCode:       rec.ExitCode,
			RuntimeSeconds: rec.Runtime.Seconds(),
			Outcome:        rec.Outcome,
			Error:          rec.Err,
		},
	})
}

func exitCodeAttr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
