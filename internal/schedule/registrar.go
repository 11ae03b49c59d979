// Package schedule registers the gateway's recurring jobs once it accepts
// connections, restoring definitions persisted by a previous container.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/metrics"
)

type Config struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
	// JobsFile holds registered definitions; keep it inside a synchronized path.
	JobsFile string `mapstructure:"jobs_file"`
	Jobs     []Job  `mapstructure:"jobs"`
}

func (c *Config) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 30
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
}

// ReadyFunc returns nil once the gateway accepts work.
type ReadyFunc func(ctx context.Context) error

// TCPReady dials addr with a short timeout.
func TCPReady(addr string) ReadyFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return c.Close()
	}
}

type Result struct {
	Ready      bool              `json:"ready"`
	Attempts   int               `json:"attempts"`
	Restored   []string          `json:"restored,omitempty"`
	Registered []string          `json:"registered,omitempty"`
	Existing   []string          `json:"existing,omitempty"`
	Skipped    []string          `json:"skipped,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`
	Err        error             `json:"-"`
}

type Registrar struct {
	cfg    Config
	sched  Scheduler
	ready  ReadyFunc
	clock  clock.Clock
	log    *slog.Logger
	lookup func(string) (string, bool)
}

func NewRegistrar(cfg Config, sched Scheduler, ready ReadyFunc, clk clock.Clock, log *slog.Logger) *Registrar {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{cfg: cfg, sched: sched, ready: ready, clock: clk, log: log.With("component", "schedule"), lookup: os.LookupEnv}
}

// SetEnv replaces the environment used to gate jobs (os.LookupEnv by default).
func (r *Registrar) SetEnv(lookup func(string) (string, bool)) {
	if lookup != nil {
		r.lookup = lookup
	}
}

// OnReady polls readiness, then restores persisted jobs and registers the
// gated ones. Readiness exhaustion and registration failures are reported
// in the result, never returned as errors.
func (r *Registrar) OnReady(ctx context.Context) Result {
	res := Result{Failed: map[string]string{}}
	if err := r.waitReady(ctx, &res); err != nil {
		res.Err = err
		if errors.Is(err, context.Canceled) {
			r.log.Info("readiness polling cancelled", "attempts", res.Attempts)
		} else {
			r.log.Warn("gateway never became ready, skipping job registration", "attempts", res.Attempts, "error", err)
		}
		return res
	}
	res.Ready = true
	r.log.Info("gateway ready", "attempts", res.Attempts)

	// keep holds everything the next container should restore, including
	// jobs whose registration failed this time.
	keep := map[string]Job{}
	active := map[string]bool{}
	persisted, err := LoadJobs(r.cfg.JobsFile)
	if err != nil {
		r.log.Warn("could not read persisted jobs", "path", r.cfg.JobsFile, "error", err)
	}
	for _, j := range persisted {
		if j.Validate() == nil {
			keep[j.Name] = j
		}
		if r.add(ctx, j, &res) {
			res.Restored = append(res.Restored, j.Name)
			active[j.Name] = true
		}
	}

	for _, j := range r.cfg.Jobs {
		if !j.Enabled(r.lookup) {
			res.Skipped = append(res.Skipped, j.Name)
			r.log.Debug("job gated off", "job", j.Name, "require_env", j.RequireEnv)
			continue
		}
		if j.Validate() == nil {
			keep[j.Name] = j
		}
		if active[j.Name] {
			continue
		}
		if r.add(ctx, j, &res) {
			res.Registered = append(res.Registered, j.Name)
			active[j.Name] = true
		}
	}

	if r.cfg.JobsFile != "" && len(keep) > 0 {
		jobs := make([]Job, 0, len(keep))
		for _, j := range keep {
			jobs = append(jobs, j)
		}
		if err := SaveJobs(r.cfg.JobsFile, jobs); err != nil {
			r.log.Warn("could not persist jobs", "path", r.cfg.JobsFile, "error", err)
		}
	}
	if len(res.Failed) > 0 {
		res.Err = fmt.Errorf("%d job(s) failed to register", len(res.Failed))
	}
	r.log.Info("job registration finished", "restored", res.Restored, "registered", res.Registered,
		"existing", res.Existing, "skipped", res.Skipped, "failed", len(res.Failed))
	return res
}

func (r *Registrar) waitReady(ctx context.Context, res *Result) error {
	var last error
	for i := 1; i <= r.cfg.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Attempts = i
		if last = r.ready(ctx); last == nil {
			return nil
		}
		if i == r.cfg.Attempts {
			break
		}
		if err := r.clock.Sleep(ctx, r.cfg.Interval); err != nil {
			return err
		}
	}
	return fmt.Errorf("not ready after %d attempts: %w", r.cfg.Attempts, last)
}

// add registers j and reports whether the job is now known to the scheduler.
func (r *Registrar) add(ctx context.Context, j Job, res *Result) bool {
	if err := j.Validate(); err != nil {
		res.Failed[j.Name] = err.Error()
		metrics.IncScheduleRegistration("error")
		return false
	}
	err := r.sched.Add(ctx, j)
	switch {
	case err == nil:
		metrics.IncScheduleRegistration("created")
		r.log.Info("job registered", "job", j.Name, "schedule", j.Schedule)
		return true
	case errors.Is(err, ErrAlreadyExists):
		metrics.IncScheduleRegistration("exists")
		res.Existing = append(res.Existing, j.Name)
		return true
	default:
		metrics.IncScheduleRegistration("error")
		res.Failed[j.Name] = err.Error()
		r.log.Warn("job registration failed", "job", j.Name, "error", err)
		return false
	}
}
