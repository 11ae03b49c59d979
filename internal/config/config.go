package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gatewarden/internal/backup"
	"github.com/loykin/gatewarden/internal/env"
	"github.com/loykin/gatewarden/internal/logger"
	"github.com/loykin/gatewarden/internal/process"
	"github.com/loykin/gatewarden/internal/schedule"
	"github.com/loykin/gatewarden/internal/store"
	"github.com/loykin/gatewarden/internal/supervisor"
)

// EnvPrefix prefixes environment overrides, e.g. GATEWARDEN_GATEWAY_PORT.
const EnvPrefix = "GATEWARDEN"

var ErrConfig = errors.New("invalid configuration")

// Config is the top-level TOML structure.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Gateway    process.Spec      `mapstructure:"gateway"`
	Supervisor supervisor.Config `mapstructure:"supervisor"`
	Backup     BackupConfig      `mapstructure:"backup"`
	Health     HealthConfig      `mapstructure:"health"`
	Server     ServerConfig      `mapstructure:"server"`
	Schedule   ScheduleConfig    `mapstructure:"schedule"`
	Topics     TopicsConfig      `mapstructure:"topics"`
	Research   ResearchConfig    `mapstructure:"research"`
	Log        logger.Config     `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	History    HistoryConfig     `mapstructure:"history"`
}

type PathConfig struct {
	Local  string `mapstructure:"local"`
	Remote string `mapstructure:"remote"`
}

// BackupConfig is disabled when Store is empty.
type BackupConfig struct {
	Store          string        `mapstructure:"store"`
	Paths          []PathConfig  `mapstructure:"paths"`
	StampPath      string        `mapstructure:"stamp_path"`
	Exclude        []string      `mapstructure:"exclude"`
	RestoreTimeout time.Duration `mapstructure:"restore_timeout"`
	PushTimeout    time.Duration `mapstructure:"push_timeout"`
	Interval       time.Duration `mapstructure:"interval"`
}

func (b BackupConfig) Enabled() bool { return strings.TrimSpace(b.Store) != "" }

func (b BackupConfig) Synchronizer() backup.Config {
	paths := make([]backup.Mapping, 0, len(b.Paths))
	for _, p := range b.Paths {
		paths = append(paths, backup.Mapping{Local: p.Local, Remote: p.Remote})
	}
	return backup.Config{
		Paths:          paths,
		StampPath:      b.StampPath,
		Exclude:        b.Exclude,
		RestoreTimeout: b.RestoreTimeout,
		PushTimeout:    b.PushTimeout,
		Interval:       b.Interval,
	}
}

type HealthConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Resource     bool          `mapstructure:"resource"`
}

// ServerConfig is disabled when Listen is empty.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type ScheduleConfig struct {
	schedule.Config `mapstructure:",squash"`
	// Command registers one job; see schedule.CLIScheduler for placeholders.
	Command []string `mapstructure:"command"`
}

type TopicsConfig struct {
	// Files are tried in order; the first existing one wins.
	Files     []string `mapstructure:"files"`
	StateFile string   `mapstructure:"state_file"`
}

type ResearchConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	MaxResults      int           `mapstructure:"max_results"`
	FetchTop        int           `mapstructure:"fetch_top"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxChars        int           `mapstructure:"max_chars"`
	UserAgent       string        `mapstructure:"user_agent"`
	ReportDir       string        `mapstructure:"report_dir"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerOpen     time.Duration `mapstructure:"breaker_open"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	sup := supervisor.DefaultConfig()
	v.SetDefault("use_os_env", true)
	v.SetDefault("gateway.name", "gateway")
	v.SetDefault("gateway.command", "")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.bind", "127.0.0.1")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.work_dir", "")
	v.SetDefault("gateway.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("supervisor.max_retries", sup.MaxRetries)
	v.SetDefault("supervisor.initial_backoff", sup.InitialBackoff)
	v.SetDefault("supervisor.max_backoff", sup.MaxBackoff)
	v.SetDefault("supervisor.success_threshold", sup.SuccessThreshold)
	v.SetDefault("backup.store", "")
	v.SetDefault("backup.exclude", []string{"*.lock"})
	v.SetDefault("backup.restore_timeout", 30*time.Second)
	v.SetDefault("backup.push_timeout", 60*time.Second)
	v.SetDefault("backup.interval", 60*time.Second)
	v.SetDefault("health.probe_timeout", 5*time.Second)
	v.SetDefault("health.resource", true)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("schedule.attempts", 30)
	v.SetDefault("schedule.interval", 2*time.Second)
	v.SetDefault("schedule.jobs_file", "")
	v.SetDefault("topics.state_file", "topic-state.json")
	v.SetDefault("research.endpoint", "")
	v.SetDefault("research.api_key", "")
	v.SetDefault("research.max_results", 5)
	v.SetDefault("research.fetch_top", 0)
	v.SetDefault("research.fetch_timeout", 15*time.Second)
	v.SetDefault("research.max_chars", 8000)
	v.SetDefault("research.user_agent", "gatewarden")
	v.SetDefault("research.report_dir", "reports")
	v.SetDefault("research.breaker_failures", 3)
	v.SetDefault("research.breaker_open", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("metrics.enabled", true)
}

// Load reads path (optional) and applies GATEWARDEN_* overrides on top of
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	g := c.Gateway
	if strings.TrimSpace(g.Name) == "" {
		return invalid("gateway.name is required")
	}
	if strings.TrimSpace(g.Command) == "" {
		return invalid("gateway.command is required")
	}
	if g.Port <= 0 || g.Port > 65535 {
		return invalid("gateway.port %d out of range", g.Port)
	}
	s := c.Supervisor
	if s.MaxRetries <= 0 {
		return invalid("supervisor.max_retries must be positive")
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		return invalid("supervisor backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if s.SuccessThreshold <= 0 {
		return invalid("supervisor.success_threshold must be positive")
	}
	if c.Backup.Enabled() {
		if _, err := store.Scheme(c.Backup.Store); err != nil {
			return invalid("backup.store: %v", err)
		}
		if len(c.Backup.Paths) == 0 {
			return invalid("backup.paths is empty")
		}
		seen := map[string]bool{}
		for i, p := range c.Backup.Paths {
			if strings.TrimSpace(p.Local) == "" || strings.TrimSpace(p.Remote) == "" {
				return invalid("backup.paths[%d] needs local and remote", i)
			}
			if seen[p.Remote] {
				return invalid("backup.paths remote %q used twice", p.Remote)
			}
			seen[p.Remote] = true
		}
	}
	if c.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return invalid("server.listen %q: %v", c.Server.Listen, err)
		}
	}
	for i, j := range c.Schedule.Jobs {
		if err := j.Validate(); err != nil {
			return invalid("schedule.jobs[%d]: %v", i, err)
		}
	}
	if len(c.Schedule.Jobs) > 0 && len(c.Schedule.Command) == 0 {
		return invalid("schedule.command is required when jobs are configured")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// GatewayEnv composes the gateway's base environment: the OS environment when
// use_os_env is set, then env_files in order, then the top-level env list.
// ${VAR} references are expanded against the result.
func (c *Config) GatewayEnv() ([]string, error) {
	var layers [][]string
	if c.UseOSEnv {
		layers = append(layers, os.Environ())
	}
	for _, p := range c.EnvFiles {
		kvs, err := env.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: env file: %v", ErrConfig, err)
		}
		layers = append(layers, kvs)
	}
	layers = append(layers, c.Env)
	return env.Compose(layers...), nil
}
