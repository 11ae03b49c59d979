package backup

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseStamp(t *testing.T) {
	want := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for _, in := range []string{
		"2025-05-01T00:00:00Z",
		"2025-05-01T00:00:00+00:00",
		"2025-05-01T02:00:00+02:00",
		"1746057600",
		"1746057600000",
		"Thu May  1 00:00:00 UTC 2025",
		" 2025-05-01 00:00:00 \n",
	} {
		assert.Equal(t, want, ParseStamp(in), in)
	}
	assert.Zero(t, ParseStamp(""))
	assert.Zero(t, ParseStamp("not a date"))
}

func TestParseStampSaturatesFarFuture(t *testing.T) {
	now := ParseStamp("2025-05-01T00:00:00Z")
	for _, in := range []string{"9300000000", "999999999999", "9300000000000000"} {
		got := ParseStamp(in)
		assert.Equal(t, int64(math.MaxInt64), got, in)
		assert.Greater(t, got, now, in)
	}
	assert.Equal(t, int64(math.MinInt64), ParseStamp("-9300000000"))
}

func TestFormatStampRoundTrips(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, ts.UnixNano(), ParseStamp(FormatStamp(ts)))
}
