package store

import (
	"bytes"
	"encoding/json"
	"regexp"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// isoLayout is ISO-8601 in UTC with millisecond precision.
const isoLayout = "2006-01-02T15:04:05.000Z"

var isoPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// Timestamp is a point in time persisted as an ISO-8601 string with
// millisecond precision. Values are always truncated to the millisecond so a
// save/load cycle returns an equal value.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to the millisecond.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// NewTimestamp truncates t to the millisecond and converts it to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) String() string {
	return t.UTC().Format(isoLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler. Strings in the exact
// millisecond layout are parsed directly; other RFC 3339 strings are accepted
// and truncated. null leaves the zero value.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return goerr.Wrap(err, "timestamp is not a string", goerr.V("raw", string(data)))
	}

	layout := time.RFC3339Nano
	if isoPattern.MatchString(s) {
		layout = isoLayout
	}
	parsed, err := time.Parse(layout, s)
	if err != nil {
		return goerr.Wrap(err, "invalid timestamp", goerr.V("value", s))
	}
	*t = NewTimestamp(parsed)
	return nil
}

// IsDateString reports whether s is exactly an ISO-8601 millisecond timestamp.
func IsDateString(s string) bool {
	return isoPattern.MatchString(s)
}

// ReviveDates walks a decoded JSON value and converts every string matching
// the millisecond ISO-8601 layout into a time.Time. All other values are
// returned unchanged. Maps and slices are rewritten in place.
func ReviveDates(v any) any {
	switch val := v.(type) {
	case string:
		if !isoPattern.MatchString(val) {
			return val
		}
		parsed, err := time.Parse(isoLayout, val)
		if err != nil {
			return val
		}
		return parsed
	case map[string]any:
		for k, item := range val {
			val[k] = ReviveDates(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = ReviveDates(item)
		}
		return val
	default:
		return v
	}
}

// FreezeDates is the inverse of ReviveDates: time.Time values inside maps
// and slices become Timestamp so they serialize in the millisecond layout.
// The input is not modified.
func FreezeDates(v any) any {
	switch val := v.(type) {
	case time.Time:
		return NewTimestamp(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = FreezeDates(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = FreezeDates(item)
		}
		return out
	default:
		return v
	}
}
