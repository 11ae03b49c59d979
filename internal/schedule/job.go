package schedule

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a recurring command registered with the gateway's own scheduler.
type Job struct {
	Name     string `json:"name" mapstructure:"name"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Command  string `json:"command" mapstructure:"command"`
	// RequireEnv gates registration: every listed variable must be non-empty.
	RequireEnv []string `json:"-" mapstructure:"require_env"`
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job requires a name")
	}
	if strings.TrimSpace(j.Command) == "" {
		return fmt.Errorf("job %s requires a command", j.Name)
	}
	if err := ValidateSchedule(j.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	return nil
}

// Enabled reports whether every gating variable is set.
func (j Job) Enabled(lookup func(string) (string, bool)) bool {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, k := range j.RequireEnv {
		if v, ok := lookup(k); !ok || strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule accepts cron expressions (optional seconds field, month
// and weekday names), the standard descriptors and "@every <duration>".
func ValidateSchedule(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("schedule is required")
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		// the parser silently rounds non-positive intervals up to a second
		if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && d <= 0 {
			return fmt.Errorf("invalid cron schedule %q: @every duration must be > 0", expr)
		}
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}
