package store

import (
	"errors"
	"strings"
)

// Scheme returns the lower-cased scheme of dsn, or "file" for bare paths.
func Scheme(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", errors.New("empty store DSN")
	}
	i := strings.Index(dsn, "://")
	if i < 0 {
		return "file", nil
	}
	return strings.ToLower(dsn[:i]), nil
}
