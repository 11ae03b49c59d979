package process

import (
	"errors"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const DefaultStopTimeout = 10 * time.Second

var ErrNoCommand = errors.New("gateway command is empty")

// Spec describes the gateway process. The gateway always receives
// --port and --bind, plus --token when one is configured.
type Spec struct {
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"` // binary or shell command line
	Args         []string      `mapstructure:"args"`    // extra args appended after the fixed ones
	Port         int           `mapstructure:"port"`
	Bind         string        `mapstructure:"bind"`
	Token        string        `mapstructure:"token"`
	WorkDir      string        `mapstructure:"work_dir"`
	Env          []string      `mapstructure:"env"`
	CleanupFiles []string      `mapstructure:"cleanup_files"` // removed before each launch; globs allowed
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// FixedArgs returns the flags every launch carries.
func (s *Spec) FixedArgs() []string {
	args := []string{"--port", strconv.Itoa(s.Port), "--bind", s.Bind}
	if s.Token != "" {
		args = append(args, "--token", s.Token)
	}
	return append(args, s.Args...)
}

// Address is the host:port the health probe dials. Wildcard or symbolic
// bind values resolve to loopback.
func (s *Spec) Address() string {
	host := "127.0.0.1"
	if ip := net.ParseIP(s.Bind); ip != nil && !ip.IsUnspecified() {
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command with the
// fixed args appended. It avoids invoking a shell when not necessary and
// respects an explicit "sh -c" already present in the command string.
func (s *Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	args := s.FixedArgs()
	if cmdStr == "" {
		return nil, ErrNoCommand
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC+" "+shellJoin(args)), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr+" "+shellJoin(args)), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], append(parts[1:], args...)...), nil
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so redirections inside still parse
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
