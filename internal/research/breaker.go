package research

import (
	"context"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerSearcher stops calling a failing search backend for a while so a
// topic with many queries fails fast instead of timing out on each one.
type BreakerSearcher struct {
	next Searcher
	cb   *gobreaker.CircuitBreaker[*QueryResult]
}

func NewBreakerSearcher(next Searcher, consecutiveFailures uint32, openFor time.Duration, log *slog.Logger) *BreakerSearcher {
	if consecutiveFailures == 0 {
		consecutiveFailures = 3
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[*QueryResult](gobreaker.Settings{
		Name:        "search",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerSearcher{next: next, cb: cb}
}

func (b *BreakerSearcher) Search(ctx context.Context, query string) (*QueryResult, error) {
	return b.cb.Execute(func() (*QueryResult, error) {
		return b.next.Search(ctx, query)
	})
}

func (b *BreakerSearcher) State() gobreaker.State { return b.cb.State() }
