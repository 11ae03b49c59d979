package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gatewarden/internal/app"
	"github.com/loykin/gatewarden/internal/backup"
	"github.com/loykin/gatewarden/internal/config"
	"github.com/loykin/gatewarden/internal/logger"
	storefactory "github.com/loykin/gatewarden/internal/store/factory"
)

// setup loads the configuration and installs the default logger.
func setup(flags *GlobalFlags) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, closer, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Restore state, then supervise the gateway until signalled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log, app.Options{})
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newSynchronizer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backup.Synchronizer, error) {
	if !cfg.Backup.Enabled() {
		return nil, fmt.Errorf("%w: backup.store is not set", config.ErrConfig)
	}
	st, err := storefactory.NewFromDSN(ctx, cfg.Backup.Store)
	if err != nil {
		return nil, err
	}
	return backup.New(st, cfg.Backup.Synchronizer(), nil, log)
}

func createRestoreCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore local state when the store holds a newer snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			s, err := newSynchronizer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			res := s.Restore(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Reason == backup.ReasonError {
				return res.Err
			}
			return nil
		},
	}
}

func createPushCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Copy local state to the store now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			s, err := newSynchronizer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			res := s.Push(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err
		},
	}
}

// CheckFlags select the endpoint queried by `check`.
type CheckFlags struct {
	URL     string
	Cheap   bool
	Timeout time.Duration
}

func createCheckCommand(flags *GlobalFlags) *cobra.Command {
	cf := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Query a running instance's health endpoint; non-zero exit when unhealthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := cf.URL
			if url == "" {
				cfg, err := config.Load(flags.ConfigPath)
				if err != nil {
					return err
				}
				if url, err = healthURL(cfg, cf.Cheap); err != nil {
					return err
				}
			}
			return runCheck(cmd.Context(), cmd.OutOrStdout(), url, cf.Timeout)
		},
	}
	cmd.Flags().StringVar(&cf.URL, "url", "", "health endpoint URL (default derived from [server])")
	cmd.Flags().BoolVar(&cf.Cheap, "cheap", false, "use the cheap /healthz endpoint")
	cmd.Flags().DurationVar(&cf.Timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func healthURL(cfg *config.Config, cheap bool) (string, error) {
	if cfg.Server.Listen == "" {
		return "", fmt.Errorf("%w: server.listen is empty", config.ErrConfig)
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("%w: server.listen: %v", config.ErrConfig, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	path := "/health"
	if cheap {
		path = "/healthz"
	}
	base := strings.TrimRight(cfg.Server.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + base + path, nil
}

var errUnhealthy = errors.New("gateway unhealthy")

func runCheck(ctx context.Context, out io.Writer, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", errUnhealthy, resp.StatusCode)
	}
	return nil
}
