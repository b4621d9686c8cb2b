// Package recency converts credential-report and access-advisor timestamps
// into whole days since last use.
//
// Every "never observed" input resolves to Never, which is larger than any real
// threshold, so callers decide "unused" with a single comparison:
//
//	days.OlderThan(threshold)   // days >= threshold
package recency

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Days is a whole number of days since something was last used.
type Days int

// Never is the canonical "never used / no information" value.
const Never Days = math.MaxInt32

// ErrMalformedTimestamp is returned for inputs that are neither a sentinel nor a timestamp.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// sentinels are the report values meaning "never observed".
var sentinels = map[string]struct{}{
	"":               {},
	"N/A":            {},
	"no_information": {},
	"not_supported":  {},
}

// layouts accepted by Parse, tried in order. Inputs without a zone are UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// IsNever reports whether d is the never-used sentinel.
func (d Days) IsNever() bool { return d == Never }

// OlderThan reports whether d is at or beyond the threshold. Never is older
// than every threshold.
func (d Days) OlderThan(threshold int) bool {
	return d >= Days(threshold)
}

func (d Days) String() string {
	if d.IsNever() {
		return "never"
	}
	return strconv.Itoa(int(d))
}

// MarshalJSON encodes Never as null.
func (d Days) MarshalJSON() ([]byte, error) {
	if d.IsNever() {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(d))), nil
}

// UnmarshalJSON decodes null as Never.
func (d *Days) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*d = Never
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("days must be an integer or null: %w", err)
	}
	*d = Days(n)
	return nil
}

// MarshalYAML encodes Never as null.
func (d Days) MarshalYAML() (interface{}, error) {
	if d.IsNever() {
		return nil, nil
	}
	return int(d), nil
}

// Min returns the most recent (smallest) of ds, or Never when ds is empty.
func Min(ds ...Days) Days {
	m := Never
	for _, d := range ds {
		if d < m {
			m = d
		}
	}
	return m
}

// IsSentinel reports whether value is one of the "never observed" markers.
func IsSentinel(value string) bool {
	_, ok := sentinels[strings.TrimSpace(value)]
	return ok
}

// Parse parses a report timestamp and returns it in UTC.
func Parse(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, value)
}

// Resolver computes day distances against a single reference instant, so
// every comparison within one analysis pass sees the same "now".
type Resolver struct {
	now time.Time
}

// NewResolver returns a Resolver anchored at now (converted to UTC).
func NewResolver(now time.Time) Resolver {
	return Resolver{now: now.UTC()}
}

// Now returns the reference instant.
func (r Resolver) Now() time.Time { return r.now }

// DaysSince resolves a timestamp or sentinel string.
func (r Resolver) DaysSince(value string) (Days, error) {
	if IsSentinel(value) {
		return Never, nil
	}
	t, err := Parse(value)
	if err != nil {
		return Never, err
	}
	return r.DaysSinceTime(t), nil
}

// DaysSinceTime returns the whole days between t and the reference instant.
// Timestamps in the future count as zero days.
func (r Resolver) DaysSinceTime(t time.Time) Days {
	if t.IsZero() {
		return Never
	}
	delta := r.now.Sub(t.UTC())
	if delta <= 0 {
		return 0
	}
	return Days(delta / (24 * time.Hour))
}
