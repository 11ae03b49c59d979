package backup

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var stampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.UnixDate,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// ParseStamp converts a sync stamp to nanoseconds since the epoch.
// Epoch seconds and milliseconds are accepted alongside ISO-8601 forms.
// Unparsable or empty input yields 0 so a corrupt stamp never blocks a restore.
func ParseStamp(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return scaleClamped(n, int64(time.Millisecond))
		}
		return scaleClamped(n, int64(time.Second))
	}
	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixNano()
		}
	}
	return 0
}

// scaleClamped returns n*unit, saturating at the int64 bounds so far-future
// stamps still compare as newest.
func scaleClamped(n, unit int64) int64 {
	switch {
	case n > math.MaxInt64/unit:
		return math.MaxInt64
	case n < math.MinInt64/unit:
		return math.MinInt64
	}
	return n * unit
}

// FormatStamp renders t the way pushes record it.
func FormatStamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
