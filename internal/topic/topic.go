// Package topic hands out research topics round-robin and remembers where
// it left off between invocations.
package topic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/metrics"
)

var (
	ErrConfig        = errors.New("configuration error")
	ErrNoTopics      = fmt.Errorf("%w: no topics configured", ErrConfig)
	ErrTopicNotFound = fmt.Errorf("%w: topic not found", ErrConfig)
)

type Topic struct {
	Name    string   `json:"name" mapstructure:"name"`
	Queries []string `json:"queries" mapstructure:"queries"`
}

// State is the rotator's persisted position. LastIndex is -1 before the
// first rotation.
type State struct {
	LastIndex   int                  `json:"lastIndex"`
	LastStudied map[string]time.Time `json:"lastStudied"`
}

func NewState() State { return State{LastIndex: -1, LastStudied: map[string]time.Time{}} }

func (s State) clone() State {
	c := State{LastIndex: s.LastIndex, LastStudied: make(map[string]time.Time, len(s.LastStudied))}
	for k, v := range s.LastStudied {
		c.LastStudied[k] = v
	}
	return c
}

// Repository loads and saves rotator state.
type Repository interface {
	Load() (State, error)
	Save(State) error
}

type Rotator struct {
	repo  Repository
	clock clock.Clock
	log   *slog.Logger
	mu    sync.Mutex
}

func NewRotator(repo Repository, clk clock.Clock, log *slog.Logger) *Rotator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Rotator{repo: repo, clock: clk, log: log.With("component", "topic")}
}

// Next advances to the topic after the last one handed out and saves the new
// position before returning, so a failed study still moves the rotation on.
func (r *Rotator) Next(topics []Topic) (Topic, State, error) {
	n := len(topics)
	if n == 0 {
		return Topic{}, State{}, ErrNoTopics
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.repo.Load()
	if err != nil {
		return Topic{}, State{}, err
	}
	next := ((st.LastIndex+1)%n + n) % n
	st.LastIndex = next
	if err := r.repo.Save(st); err != nil {
		return Topic{}, State{}, fmt.Errorf("save topic state: %w", err)
	}
	t := topics[next]
	metrics.IncTopicStudy(t.Name)
	r.log.Info("next topic", "topic", t.Name, "index", next, "of", n)
	return t, st.clone(), nil
}

// Lookup finds a topic by name.
func (r *Rotator) Lookup(name string, topics []Topic) (Topic, error) {
	for _, t := range topics {
		if t.Name == name {
			return t, nil
		}
	}
	return Topic{}, fmt.Errorf("%w: %q", ErrTopicNotFound, name)
}

func (r *Rotator) All(topics []Topic) []Topic {
	out := make([]Topic, len(topics))
	for i, t := range topics {
		out[i] = Topic{Name: t.Name, Queries: append([]string(nil), t.Queries...)}
	}
	return out
}

// MarkStudied records that name finished a study run now.
func (r *Rotator) MarkStudied(name string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.repo.Load()
	if err != nil {
		return State{}, err
	}
	st.LastStudied[name] = r.clock.Now().UTC()
	if err := r.repo.Save(st); err != nil {
		return State{}, fmt.Errorf("save topic state: %w", err)
	}
	return st.clone(), nil
}

// State returns the persisted state without changing it.
func (r *Rotator) State() (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repo.Load()
}
