package research

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyFetcher extracts visible page text with a colly collector.
type CollyFetcher struct {
	UserAgent string
	Timeout   time.Duration
	MaxChars  int
	base      *colly.Collector
}

func NewCollyFetcher(userAgent string, timeout time.Duration, maxChars int) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	})
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 8000
	}
	return &CollyFetcher{UserAgent: userAgent, Timeout: timeout, MaxChars: maxChars, base: c}
}

func (f *CollyFetcher) Fetch(ctx context.Context, url string) (string, error) {
	c := f.base.Clone()
	if f.UserAgent != "" {
		c.UserAgent = f.UserAgent
	}
	c.SetRequestTimeout(f.Timeout)
	c.AllowURLRevisit = true

	var (
		text     string
		fetchErr error
	)
	c.OnHTML("body", func(e *colly.HTMLElement) {
		e.DOM.Find("script, style, noscript, nav, footer").Remove()
		text = strings.Join(strings.Fields(e.DOM.Text()), " ")
	})
	c.OnError(func(_ *colly.Response, err error) { fetchErr = err })

	done := make(chan error, 1)
	go func() { done <- c.Visit(url) }()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("visit %s: %w", url, err)
		}
	}
	if fetchErr != nil {
		return "", fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	if r := []rune(text); len(r) > f.MaxChars {
		text = string(r[:f.MaxChars])
	}
	return text, nil
}
