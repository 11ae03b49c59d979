package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/gatewarden/internal/logger"
)

var ErrNotStarted = errors.New("process not started")

// Launcher starts the gateway described by Spec. Each Launch returns a
// fresh Process.
type Launcher struct {
	Spec   Spec
	Log    logger.Config
	Logger *slog.Logger
	// Environ is the base environment; defaults to os.Environ().
	Environ func() []string
}

// Launch removes stale cleanup files and starts the gateway. It does not
// wait for the process to exit.
func (l *Launcher) Launch(ctx context.Context) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := l.Spec.BuildCommand()
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Spec.Name, err)
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	removed, err := RemoveCleanupFiles(l.Spec.WorkDir, l.Spec.CleanupFiles)
	if err != nil {
		log.Warn("cleanup of stale files failed", "error", err)
	}
	for _, f := range removed {
		log.Info("removed stale file before launch", "path", f)
	}

	if l.Spec.WorkDir != "" {
		cmd.Dir = l.Spec.WorkDir
	}
	environ := os.Environ
	if l.Environ != nil {
		environ = l.Environ
	}
	cmd.Env = append(environ(), l.Spec.Env...)
	configureSysProcAttr(cmd)

	p := &Process{spec: l.Spec, done: make(chan struct{})}
	outW, errW, err := l.Log.ProcessWriters(l.Spec.Name)
	if err != nil {
		return nil, err
	}
	p.outW, p.errW = outW, errW
	cmd.Stdout = writerOr(outW, os.Stdout)
	cmd.Stderr = writerOr(errW, os.Stderr)

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("start %s: %w", l.Spec.Name, err)
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	go p.wait()
	log.Info("gateway started", "name", l.Spec.Name, "pid", p.pid, "args", redactArgs(l.Spec.FixedArgs()))
	return p, nil
}

func writerOr(w io.WriteCloser, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}

// Process is one running instance of the gateway.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
	exitErr  error
	stopping bool

	outW, errW io.WriteCloser
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)
	p.mu.Lock()
	p.exitCode = code
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		p.exitErr = err
	}
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	if p.outW != nil {
		_ = p.outW.Close()
	}
	if p.errW != nil {
		_ = p.errW.Close()
	}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports 128+signal.
func (p *Process) Wait() (int, error) {
	if p.cmd == nil {
		return -1, ErrNotStarted
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// Alive reports whether the process has not been reaped and still answers
// signal 0.
func (p *Process) Alive() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	return signalAlive(p.pid)
}

// Stop sends SIGTERM to the process group, then SIGKILL if it has not
// exited within wait.
func (p *Process) Stop(wait time.Duration) error {
	if p.cmd == nil {
		return ErrNotStarted
	}
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if wait <= 0 {
		wait = DefaultStopTimeout
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = terminateGroup(p.pid)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	if err := killGroup(p.pid); err != nil {
		return fmt.Errorf("kill %d: %w", p.pid, err)
	}
	<-p.done
	return nil
}

// StopRequested reports whether Stop was called on this process.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// RemoveCleanupFiles deletes files matching patterns, resolved against dir
// when relative. Missing files are not an error.
func RemoveCleanupFiles(dir string, patterns []string) ([]string, error) {
	var removed []string
	var errs []error
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if !filepath.IsAbs(pat) && dir != "" {
			pat = filepath.Join(dir, pat)
		}
		matches, err := filepath.Glob(pat)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", pat, err))
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, m)
		}
	}
	return removed, errors.Join(errs...)
}

func redactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--token" {
			out[i+1] = "***"
		}
	}
	return out
}
