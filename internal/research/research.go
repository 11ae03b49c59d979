// Package research runs a topic's queries through a search backend and
// collects the results into a report.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loykin/gatewarden/internal/store"
	"github.com/loykin/gatewarden/internal/topic"
)

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// QueryResult is the answer to one query.
type QueryResult struct {
	Query   string   `json:"query"`
	Summary string   `json:"summary,omitempty"`
	Results []Result `json:"results"`
}

type Searcher interface {
	Search(ctx context.Context, query string) (*QueryResult, error)
}

type Fetcher interface {
	// Fetch returns the readable text of the page at url.
	Fetch(ctx context.Context, url string) (string, error)
}

// Report holds one slot per query. A failed query leaves a nil slot and an
// entry in Errors keyed by its index.
type Report struct {
	Topic      string         `json:"topic"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Queries    []*QueryResult `json:"queries"`
	Errors     map[int]string `json:"errors,omitempty"`
}

// Failed counts the nil slots.
func (r Report) Failed() int { return len(r.Errors) }

type Studier struct {
	Search Searcher
	// Fetch is optional; when set, the first FetchTop results of each query
	// get their page content.
	Fetch    Fetcher
	FetchTop int
	Log      *slog.Logger
}

// Study runs every query of t in order. One failing query never stops the
// others.
func (s *Studier) Study(ctx context.Context, t topic.Topic) Report {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	rep := Report{
		Topic:     t.Name,
		StartedAt: time.Now().UTC(),
		Queries:   make([]*QueryResult, len(t.Queries)),
		Errors:    map[int]string{},
	}
	for i, q := range t.Queries {
		if ctx.Err() != nil {
			rep.Errors[i] = ctx.Err().Error()
			continue
		}
		res, err := s.Search.Search(ctx, q)
		if err != nil {
			rep.Errors[i] = err.Error()
			log.Warn("query failed", "topic", t.Name, "query", q, "error", err)
			continue
		}
		s.enrich(ctx, res, log)
		rep.Queries[i] = res
	}
	rep.FinishedAt = time.Now().UTC()
	log.Info("study finished", "topic", t.Name, "queries", len(t.Queries), "failed", rep.Failed())
	return rep
}

func (s *Studier) enrich(ctx context.Context, res *QueryResult, log *slog.Logger) {
	if s.Fetch == nil || s.FetchTop <= 0 {
		return
	}
	for i := range res.Results {
		if i >= s.FetchTop {
			return
		}
		text, err := s.Fetch.Fetch(ctx, res.Results[i].URL)
		if err != nil {
			log.Debug("content fetch failed", "url", res.Results[i].URL, "error", err)
			continue
		}
		res.Results[i].Content = text
	}
}

// WriteReport stores r as indented JSON.
func WriteReport(path string, r Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, bytes.NewReader(append(b, '\n')), 0o600)
}
