package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of gateway lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventExit  EventType = "exit"
)

// Run describes one gateway launch. ExitCode is nil for a run that never
// started or is still running.
type Run struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Attempt        int       `json:"attempt"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	ExitCode       *int      `json:"exit_code"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	Outcome        string    `json:"outcome,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        Run       `json:"run"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SendTimeout bounds each sink write in Emit.
const SendTimeout = 5 * time.Second

// Emit delivers e to every sink concurrently. Failures are logged and
// joined; one slow or broken sink never stops the others, and the call
// returns within SendTimeout.
func Emit(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) error {
	if len(sinks) == 0 {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	base := context.WithoutCancel(ctx)
	errs := make([]error, len(sinks))
	var wg sync.WaitGroup
	for i, s := range sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(base, SendTimeout)
			defer cancel()
			if err := s.Send(sctx, e); err != nil {
				log.Warn("history sink failed", "event", e.Type, "run", e.Run.ID, "error", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Dispatcher delivers events in publish order from a background goroutine,
// so callers on a hot path never wait for a sink.
type Dispatcher struct {
	log   *slog.Logger
	sinks []Sink
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

// NewDispatcher starts the delivery goroutine. buffer bounds the number of
// undelivered events; Publish drops events beyond it.
func NewDispatcher(log *slog.Logger, sinks []Sink, buffer int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		log:   log,
		sinks: append([]Sink(nil), sinks...),
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		_ = Emit(context.Background(), d.log, d.sinks, e)
	}
}

// Publish queues e and reports whether it was accepted. It never blocks.
// Publishing after Close panics.
func (d *Dispatcher) Publish(e Event) bool {
	select {
	case d.queue <- e:
		return true
	default:
		d.log.Warn("history queue full, dropping event", "event", e.Type, "run", e.Run.ID)
		return false
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.queue) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
