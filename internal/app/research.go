package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/config"
	"github.com/loykin/gatewarden/internal/research"
	"github.com/loykin/gatewarden/internal/topic"
)

// Topics bundles the rotator with the loaded topic list for the CLI.
type Topics struct {
	Rotator *topic.Rotator
	List    []topic.Topic
	Source  string

	studier   *research.Studier
	reportDir string
	clock     clock.Clock
	log       *slog.Logger
}

// NewTopics loads topics and prepares the research pipeline. Searcher may
// be nil, in which case the configured HTTP backend is used.
func NewTopics(cfg *config.Config, searcher research.Searcher, clk clock.Clock, log *slog.Logger) (*Topics, error) {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	list, src, err := topic.Load(cfg.Topics.Files...)
	if err != nil {
		return nil, err
	}
	rc := cfg.Research
	if searcher == nil {
		searcher = research.NewBreakerSearcher(&research.HTTPSearcher{
			Endpoint:   rc.Endpoint,
			APIKey:     rc.APIKey,
			MaxResults: rc.MaxResults,
		}, rc.BreakerFailures, rc.BreakerOpen, log)
	}
	st := &research.Studier{Search: searcher, FetchTop: rc.FetchTop, Log: log}
	if rc.FetchTop > 0 {
		st.Fetch = research.NewCollyFetcher(rc.UserAgent, rc.FetchTimeout, rc.MaxChars)
	}
	return &Topics{
		Rotator:   topic.NewRotator(&topic.FileRepository{Path: cfg.Topics.StateFile}, clk, log),
		List:      list,
		Source:    src,
		studier:   st,
		reportDir: rc.ReportDir,
		clock:     clk,
		log:       log,
	}, nil
}

// Study researches the named topic, or the next one in rotation when name
// is empty, writes the report and marks the topic studied. An unknown name
// fails before any query is sent.
func (t *Topics) Study(ctx context.Context, name string) (research.Report, string, error) {
	var (
		tp  topic.Topic
		err error
	)
	if name == "" {
		tp, _, err = t.Rotator.Next(t.List)
	} else {
		tp, err = t.Rotator.Lookup(name, t.List)
	}
	if err != nil {
		return research.Report{}, "", err
	}
	rep := t.studier.Study(ctx, tp)
	path := ""
	if t.reportDir != "" {
		path = filepath.Join(t.reportDir, reportName(tp.Name, t.clock))
		if err := research.WriteReport(path, rep); err != nil {
			return rep, "", fmt.Errorf("write report: %w", err)
		}
	}
	if _, err := t.Rotator.MarkStudied(tp.Name); err != nil {
		return rep, path, err
	}
	return rep, path, nil
}

func reportName(topicName string, clk clock.Clock) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, topicName)
	return safe + "-" + clk.Now().UTC().Format("20060102T150405Z") + ".json"
}
