package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/gatewarden/internal/config"
	"github.com/loykin/gatewarden/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gatewarden.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, name := range []string{"run", "restore", "push", "check", "topic"} {
		if !strings.Contains(out, name) {
			t.Fatalf("help lacks %q: %s", name, out)
		}
	}
}

func TestPushThenRestore(t *testing.T) {
	storeDir, localDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(localDir, "creds.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := writeConfig(t, fmt.Sprintf(`
[gateway]
command = "gateway serve"
[backup]
store = %q
[[backup.paths]]
local = %q
remote = "config"
`, storeDir, localDir))

	out, err := execute(t, "--config", cfg, "push")
	if err != nil {
		t.Fatalf("push: %v out=%s", err, out)
	}
	var push struct {
		OK    bool   `json:"ok"`
		Stamp string `json:"stamp"`
	}
	if err := json.Unmarshal([]byte(out), &push); err != nil || !push.OK {
		t.Fatalf("push output: %s (%v)", out, err)
	}
	if _, err := os.Stat(filepath.Join(storeDir, "config", "creds.json")); err != nil {
		t.Fatalf("pushed file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(storeDir, store.StampName)); err != nil {
		t.Fatalf("remote stamp missing: %v", err)
	}

	out, err = execute(t, "--config", cfg, "restore")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !strings.Contains(out, `"up_to_date"`) {
		t.Fatalf("expected up_to_date after own push: %s", out)
	}
}

func TestPushWithoutStore(t *testing.T) {
	cfg := writeConfig(t, "[gateway]\nname = \"gw\"\ncommand = \"gateway serve\"\n")
	_, err := execute(t, "--config", cfg, "push")
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if healthy.Load() {
			_, _ = w.Write([]byte(`{"status":"ok","pid":7}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_running"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "check", "--url", srv.URL+"/healthz", "--timeout", "2s")
	if err != nil || !strings.Contains(out, `"ok"`) {
		t.Fatalf("check healthy: %v out=%s", err, out)
	}
	healthy.Store(false)
	_, err = execute(t, "check", "--url", srv.URL+"/healthz")
	if !errors.Is(err, errUnhealthy) {
		t.Fatalf("expected errUnhealthy, got %v", err)
	}
}

func TestHealthURL(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Listen: ":8080", BasePath: "gw/"}}
	u, err := healthURL(cfg, true)
	if err != nil || u != "http://127.0.0.1:8080/gw/healthz" {
		t.Fatalf("got %q %v", u, err)
	}
	cfg.Server = config.ServerConfig{Listen: "10.0.0.5:9000"}
	u, err = healthURL(cfg, false)
	if err != nil || u != "http://10.0.0.5:9000/health" {
		t.Fatalf("got %q %v", u, err)
	}
	cfg.Server.Listen = ""
	if _, err := healthURL(cfg, false); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestTopicNextAndList(t *testing.T) {
	dir := t.TempDir()
	topics := filepath.Join(dir, "topics.toml")
	if err := os.WriteFile(topics, []byte(`
[[topics]]
name = "raft"
queries = ["raft"]
[[topics]]
name = "crdt"
queries = ["crdt"]
`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := writeConfig(t, fmt.Sprintf("[gateway]\ncommand = \"gateway serve\"\n[topics]\nfiles = [%q]\nstate_file = %q\n", topics, filepath.Join(dir, "state.json")))

	out, err := execute(t, "--config", cfg, "topic", "next")
	if err != nil || !strings.Contains(out, `"raft"`) {
		t.Fatalf("first next: %v out=%s", err, out)
	}
	out, err = execute(t, "--config", cfg, "topic", "next")
	if err != nil || !strings.Contains(out, `"crdt"`) {
		t.Fatalf("second next: %v out=%s", err, out)
	}
	out, err = execute(t, "--config", cfg, "topic", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "* crdt") || !strings.Contains(out, "never") {
		t.Fatalf("unexpected list output: %s", out)
	}
	out, err = execute(t, "--config", cfg, "topic", "all")
	if err != nil || !strings.Contains(out, `"queries"`) {
		t.Fatalf("all: %v out=%s", err, out)
	}
	_, err = execute(t, "--config", cfg, "topic", "study", "unknown")
	if err == nil {
		t.Fatalf("unknown topic must fail")
	}
}

func TestRunRejectsMissingGatewayCommand(t *testing.T) {
	t.Setenv("GATEWARDEN_GATEWAY_COMMAND", "")
	cfg := writeConfig(t, "[supervisor]\nmax_retries = 1\n[server]\nlisten = \"\"\n")
	_, err := execute(t, "--config", cfg, "run")
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestRunExitsOnRetriesExhausted(t *testing.T) {
	if testing.Short() || runtime.GOOS == "windows" {
		t.Skip("launches /bin/false")
	}
	cfg := writeConfig(t, `
[gateway]
command = "/bin/false"
[supervisor]
max_retries = 1
[server]
listen = ""
[metrics]
enabled = false
`)
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, "--config", cfg, "run")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "retries") {
			t.Fatalf("expected retries error, got %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("run did not exit")
	}
}
