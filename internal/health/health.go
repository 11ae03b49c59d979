// Package health aggregates independent probes of the gateway, the durable
// store and host resources into one report.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/loykin/gatewarden/internal/metrics"
	"github.com/loykin/gatewarden/internal/store"
)

// Probe statuses.
const (
	StatusHealthy       = "healthy"
	StatusNotResponding = "not_responding"
	StatusNotRunning    = "not_running"
	StatusError         = "error"
	StatusMounted       = "mounted"
	StatusNotMounted    = "not_mounted"
	StatusOK            = "ok"
)

var (
	gatewayStatuses = []string{StatusHealthy, StatusNotResponding, StatusNotRunning, StatusError}
	storageStatuses = []string{StatusMounted, StatusNotMounted, StatusError}
	resourceStatus  = []string{StatusOK, StatusError}
)

const DefaultProbeTimeout = 5 * time.Second

type Check struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// ResourceCheck carries either a *ResourceUsage or the string "error" in Usage.
type ResourceCheck struct {
	Usage     any    `json:"usage"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type Checks struct {
	Gateway  Check          `json:"gateway"`
	Storage  Check          `json:"storage"`
	Resource *ResourceCheck `json:"resource,omitempty"`
}

type Report struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalLatencyMs int64     `json:"totalLatencyMs"`
	Healthy        bool      `json:"healthy"`
	Checks         Checks    `json:"checks"`
}

// Process is the subset of a running gateway the monitor looks at.
type Process interface {
	PID() int
	Alive() bool
}

// Storage is anything that can answer whether the durable store is reachable.
type Storage interface {
	Available(ctx context.Context) error
}

type Config struct {
	// Address is the gateway's host:port.
	Address      string
	ProbeTimeout time.Duration
	Resource     bool
}

type Monitor struct {
	cfg     Config
	current func() Process
	storage Storage
	sampler Sampler
	dialer  func(ctx context.Context, network, addr string) (net.Conn, error)
	log     *slog.Logger
}

// New builds a monitor. current returns the running gateway or nil.
func New(cfg Config, current func() Process, st Storage, log *slog.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	if current == nil {
		current = func() Process { return nil }
	}
	var d net.Dialer
	return &Monitor{
		cfg:     cfg,
		current: current,
		storage: st,
		sampler: GopsutilSampler{},
		dialer:  d.DialContext,
		log:     log.With("component", "health"),
	}
}

// PingResult is the cheap liveness answer.
type PingResult struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

// Ping reports whether a gateway handle exists and its process is alive.
func (m *Monitor) Ping() PingResult {
	p := m.current()
	if p == nil || !p.Alive() {
		return PingResult{Status: StatusNotRunning}
	}
	return PingResult{Status: StatusOK, PID: p.PID()}
}

// Check runs all probes in parallel and never takes much longer than the
// probe timeout, even when a probe ignores its context.
func (m *Monitor) Check(ctx context.Context) Report {
	start := time.Now()
	rep := Report{Timestamp: start.UTC()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rep.Checks.Gateway = m.gatewayCheck(ctx)
	}()
	go func() {
		defer wg.Done()
		rep.Checks.Storage = m.storageCheck(ctx)
	}()
	if m.cfg.Resource {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := m.resourceCheck(ctx)
			rep.Checks.Resource = &rc
		}()
	}
	wg.Wait()

	rep.Healthy = rep.Checks.Gateway.Status == StatusHealthy
	rep.TotalLatencyMs = time.Since(start).Milliseconds()
	return rep
}

// probe runs fn under a hard deadline. A probe still running at the deadline
// is abandoned and reported as timed out.
func probe[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (v T, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("probe panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return v, ctx.Err()
	}
}

func (m *Monitor) gatewayCheck(ctx context.Context) Check {
	start := time.Now()
	c := Check{}
	p := m.current()
	if p == nil {
		c.Status = StatusNotRunning
	} else {
		_, err := probe(ctx, m.cfg.ProbeTimeout, func(ctx context.Context) (struct{}, error) {
			conn, err := m.dialer(ctx, "tcp", m.cfg.Address)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, conn.Close()
		})
		var opErr *net.OpError
		switch {
		case err == nil:
			c.Status = StatusHealthy
		case errors.As(err, &opErr), errors.Is(err, context.DeadlineExceeded):
			c.Status = StatusNotResponding
			c.Error = err.Error()
		default:
			c.Status = StatusError
			c.Error = err.Error()
		}
	}
	c.LatencyMs = time.Since(start).Milliseconds()
	metrics.ObserveProbe("gateway", c.Status, time.Since(start).Seconds(), gatewayStatuses)
	return c
}

func (m *Monitor) storageCheck(ctx context.Context) Check {
	start := time.Now()
	c := Check{}
	if m.storage == nil {
		c.Status = StatusNotMounted
		c.Error = "no durable store configured"
	} else {
		_, err := probe(ctx, m.cfg.ProbeTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.storage.Available(ctx)
		})
		switch {
		case err == nil:
			c.Status = StatusMounted
		case errors.Is(err, store.ErrUnavailable):
			c.Status = StatusNotMounted
			c.Error = err.Error()
		default:
			c.Status = StatusError
			c.Error = err.Error()
		}
	}
	c.LatencyMs = time.Since(start).Milliseconds()
	metrics.ObserveProbe("storage", c.Status, time.Since(start).Seconds(), storageStatuses)
	return c
}

func (m *Monitor) resourceCheck(ctx context.Context) ResourceCheck {
	start := time.Now()
	pid := 0
	if p := m.current(); p != nil {
		pid = p.PID()
	}
	usage, err := probe(ctx, m.cfg.ProbeTimeout, func(ctx context.Context) (*ResourceUsage, error) {
		return m.sampler.Sample(ctx, pid)
	})
	rc := ResourceCheck{Usage: usage}
	status := StatusOK
	if err != nil {
		rc.Usage = StatusError
		rc.Error = err.Error()
		status = StatusError
		m.log.Debug("resource probe failed", "error", err)
	}
	rc.LatencyMs = time.Since(start).Milliseconds()
	metrics.ObserveProbe("resource", status, time.Since(start).Seconds(), resourceStatus)
	return rc
}
