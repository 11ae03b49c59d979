package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// withGatewayCommand supplies the one setting that has no default.
func withGatewayCommand(t *testing.T) {
	t.Helper()
	t.Setenv("GATEWARDEN_GATEWAY_COMMAND", "gateway serve")
}

func TestLoad_Defaults(t *testing.T) {
	withGatewayCommand(t)
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Gateway.Command != "gateway serve" {
		t.Fatalf("gateway command from env: %q", c.Gateway.Command)
	}
	if c.Gateway.Name != "gateway" || c.Gateway.Port != 18789 || c.Gateway.Bind != "127.0.0.1" {
		t.Fatalf("unexpected gateway defaults: %+v", c.Gateway)
	}
	if c.Supervisor.MaxRetries != 10 || c.Supervisor.InitialBackoff != 5*time.Second ||
		c.Supervisor.MaxBackoff != 120*time.Second || c.Supervisor.SuccessThreshold != 60*time.Second {
		t.Fatalf("unexpected supervisor defaults: %+v", c.Supervisor)
	}
	if c.Backup.Enabled() {
		t.Fatalf("backup should be disabled without a store")
	}
	if c.Backup.RestoreTimeout != 30*time.Second || c.Backup.PushTimeout != 60*time.Second || c.Backup.Interval != time.Minute {
		t.Fatalf("unexpected backup defaults: %+v", c.Backup)
	}
	if c.Health.ProbeTimeout != 5*time.Second {
		t.Fatalf("probe timeout: %v", c.Health.ProbeTimeout)
	}
	if c.Schedule.Attempts != 30 || c.Schedule.Interval != 2*time.Second {
		t.Fatalf("unexpected schedule defaults: %+v", c.Schedule)
	}
	if !c.UseOSEnv || !c.Metrics.Enabled {
		t.Fatalf("use_os_env and metrics default to true")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "gatewarden.toml", `
[gateway]
name = "claw"
command = "/usr/local/bin/gateway run"
port = 9000
bind = "0.0.0.0"
token = "secret"
cleanup_files = ["*.lock"]
stop_timeout = "3s"

[supervisor]
max_retries = 4
initial_backoff = "1s"
max_backoff = "8s"
success_threshold = "30s"

[backup]
store = "file:///mnt/store"
exclude = ["*.lock", "tmp"]
interval = "5m"

[[backup.paths]]
local = "/home/app/.gateway"
remote = "config"

[[backup.paths]]
local = "/home/app/workspace"
remote = "workspace"

[server]
listen = "127.0.0.1:9090"
base_path = "/gw"

[schedule]
attempts = 5
interval = "1s"
jobs_file = "/home/app/.gateway/jobs.json"
command = ["gateway", "cron", "add", "--name", "{name}", "--cron", "{schedule}", "--", "{command}"]

[[schedule.jobs]]
name = "study"
schedule = "0 */6 * * *"
command = "gatewarden topic study"
require_env = ["SEARCH_API_KEY"]

[topics]
files = ["/mnt/store/topics.toml", "/etc/gatewarden/topics.toml"]

[history]
dsns = ["sqlite:///var/lib/gatewarden/history.db"]
`)
	c, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Gateway.Name != "claw" || c.Gateway.Port != 9000 || c.Gateway.Token != "secret" || c.Gateway.StopTimeout != 3*time.Second {
		t.Fatalf("gateway: %+v", c.Gateway)
	}
	if len(c.Gateway.CleanupFiles) != 1 || c.Gateway.CleanupFiles[0] != "*.lock" {
		t.Fatalf("cleanup files: %v", c.Gateway.CleanupFiles)
	}
	if c.Supervisor.MaxRetries != 4 || c.Supervisor.MaxBackoff != 8*time.Second {
		t.Fatalf("supervisor: %+v", c.Supervisor)
	}
	if !c.Backup.Enabled() || len(c.Backup.Paths) != 2 || c.Backup.Interval != 5*time.Minute {
		t.Fatalf("backup: %+v", c.Backup)
	}
	sc := c.Backup.Synchronizer()
	if sc.Paths[1].Local != "/home/app/workspace" || sc.Paths[1].Remote != "workspace" {
		t.Fatalf("mapping: %+v", sc.Paths)
	}
	if c.Server.BasePath != "/gw" {
		t.Fatalf("server: %+v", c.Server)
	}
	if c.Schedule.Attempts != 5 || len(c.Schedule.Jobs) != 1 || c.Schedule.Jobs[0].RequireEnv[0] != "SEARCH_API_KEY" {
		t.Fatalf("schedule: %+v", c.Schedule)
	}
	if len(c.Schedule.Command) != 9 {
		t.Fatalf("schedule command: %v", c.Schedule.Command)
	}
	if len(c.Topics.Files) != 2 || len(c.History.DSNs) != 1 {
		t.Fatalf("topics/history: %+v %+v", c.Topics, c.History)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	withGatewayCommand(t)
	t.Setenv("GATEWARDEN_GATEWAY_PORT", "7001")
	t.Setenv("GATEWARDEN_SUPERVISOR_MAX_RETRIES", "3")
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Gateway.Port != 7001 || c.Supervisor.MaxRetries != 3 {
		t.Fatalf("env overrides not applied: port=%d retries=%d", c.Gateway.Port, c.Supervisor.MaxRetries)
	}
}

func TestLoad_RequiresGatewayCommand(t *testing.T) {
	t.Setenv("GATEWARDEN_GATEWAY_COMMAND", "")
	if _, err := Load(""); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig without gateway.command, got %v", err)
	}
	p := writeFile(t, t.TempDir(), "c.toml", "[gateway]\ncommand = \"   \"\n")
	_, err := Load(p)
	if !errors.Is(err, ErrConfig) || !strings.Contains(err.Error(), "gateway.command") {
		t.Fatalf("expected gateway.command error, got %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	withGatewayCommand(t)
	cases := map[string]string{
		"port":       "[gateway]\nport = 70000\n",
		"backoff":    "[supervisor]\ninitial_backoff = \"10s\"\nmax_backoff = \"1s\"\n",
		"no paths":   "[backup]\nstore = \"/mnt/store\"\n",
		"dup remote": "[backup]\nstore = \"/mnt/store\"\n[[backup.paths]]\nlocal = \"/a\"\nremote = \"x\"\n[[backup.paths]]\nlocal = \"/b\"\nremote = \"x\"\n",
		"listen":     "[server]\nlisten = \"nope\"\n",
		"bad job":    "[schedule]\ncommand = [\"x\"]\n[[schedule.jobs]]\nname = \"j\"\nschedule = \"bogus\"\ncommand = \"c\"\n",
		"no command": "[[schedule.jobs]]\nname = \"j\"\nschedule = \"@daily\"\ncommand = \"c\"\n",
		"log format": "[log]\nformat = \"xml\"\n",
		"syntax":     "[gateway\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "c.toml", data)
			_, err := Load(p)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
