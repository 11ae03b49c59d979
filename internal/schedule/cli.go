package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrAlreadyExists = errors.New("job already exists")

// Scheduler is the gateway's job scheduler surface.
type Scheduler interface {
	// Add registers a job. A duplicate name yields ErrAlreadyExists.
	Add(ctx context.Context, j Job) error
}

// CLIScheduler registers jobs by running the gateway's CLI. Args may contain
// the placeholders {name}, {schedule} and {command}.
type CLIScheduler struct {
	Args []string
	Env  []string
}

func (c *CLIScheduler) Add(ctx context.Context, j Job) error {
	if len(c.Args) == 0 {
		return errors.New("scheduler command not configured")
	}
	r := strings.NewReplacer("{name}", j.Name, "{schedule}", j.Schedule, "{command}", j.Command)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if strings.Contains(strings.ToLower(out.String()), "already exists") {
			return fmt.Errorf("%s: %w", j.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("register %s: %w: %s", j.Name, err, strings.TrimSpace(out.String()))
	}
	return nil
}
