package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp marshals as ISO-8601 local date-time without a timezone, e.g.
// 2025-01-01T12:30:00 or 2025-01-01T12:30:00.250.
type Timestamp struct {
	time.Time
}

const (
	timestampLayout       = "2006-01-02T15:04:05"
	timestampMillisLayout = "2006-01-02T15:04:05.000"
)

// NewTimestamp wraps a time value.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// Now returns the current local time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now()}
}

// MarshalJSON emits the fractional form only when the time carries
// sub-second precision.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	layout := timestampLayout
	if t.Nanosecond() != 0 {
		layout = timestampMillisLayout
	}
	return []byte(`"` + t.Format(layout) + `"`), nil
}

// UnmarshalJSON accepts both the plain and fractional forms.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{timestampLayout, timestampMillisLayout} {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}
