package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSearcher posts queries to a JSON search API of the form
//
//	{"query": "...", "max_results": N, "include_answer": true}
//	-> {"answer": "...", "results": [{"title", "url", "content"}]}
type HTTPSearcher struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	Client     *http.Client
}

type searchRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (h *HTTPSearcher) Search(ctx context.Context, query string) (*QueryResult, error) {
	if h.Endpoint == "" {
		return nil, errors.New("search endpoint not configured")
	}
	max := h.MaxResults
	if max <= 0 {
		max = 5
	}
	body, err := json.Marshal(searchRequest{Query: query, MaxResults: max, IncludeAnswer: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := &QueryResult{Query: query, Summary: sr.Answer, Results: make([]Result, 0, len(sr.Results))}
	for _, r := range sr.Results {
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}
