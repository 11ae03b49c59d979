package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/gatewarden/internal/history"
)

// Sink indexes gateway run events into OpenSearch. Each gateway gets its own
// index, "<prefix>-<gateway>", and each event is stored under the ID
// "<run id>-<event>" so a retried send overwrites instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	prefix  string
}

func New(baseURL, indexPrefix string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  indexPrefix,
	}
}

// runDoc is the flattened document stored per event.
type runDoc struct {
	Timestamp      time.Time `json:"@timestamp"`
	Event          string    `json:"event"`
	Gateway        string    `json:"gateway"`
	RunID          string    `json:"run_id"`
	Attempt        int       `json:"attempt"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	Outcome        string    `json:"outcome,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Index returns the index that receives events for gateway name.
func (s *Sink) Index(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return s.prefix
	}
	return s.prefix + "-" + b.String()
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc := runDoc{
		Timestamp:      e.OccurredAt,
		Event:          string(e.Type),
		Gateway:        e.Run.Name,
		RunID:          e.Run.ID,
		Attempt:        e.Run.Attempt,
		PID:            e.Run.PID,
		StartedAt:      e.Run.StartedAt,
		ExitCode:       e.Run.ExitCode,
		RuntimeSeconds: e.Run.RuntimeSeconds,
		Outcome:        e.Run.Outcome,
		Error:          e.Run.Error,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	method, u := http.MethodPost, fmt.Sprintf("%s/%s/_doc", s.baseURL, s.Index(e.Run.Name))
	if e.Run.ID != "" {
		method = http.MethodPut
		u += "/" + url.PathEscape(e.Run.ID+"-"+string(e.Type))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.Index(e.Run.Name), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
