package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Compose merges KEY=VALUE layers; later layers override earlier ones.
// Values then get one pass of ${VAR} expansion against the composed set
// (no recursion). Entries without '=' or with an empty key are dropped.
// The result is sorted by key.
func Compose(layers ...[]string) []string {
	m := make(map[string]string)
	for _, layer := range layers {
		for k, v := range Parse(layer) {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func Parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// ReadFile parses a .env file with KEY=VALUE lines (no export, no quotes).
// Blank lines and lines starting with # are ignored.
func ReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}

// Lookup returns an os.LookupEnv-style function over kvs.
func Lookup(kvs []string) func(string) (string, bool) {
	m := Parse(kvs)
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
