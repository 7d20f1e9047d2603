package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for every TEXT timestamp column.
// Fixed width keeps lexical ordering equal to chronological ordering, and SQLite's
// date functions parse it directly.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat string.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// NullableTime returns nil for the zero time so the column stays NULL.
func NullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

// ScanTime converts a nullable TEXT column to *time.Time.
func ScanTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // NULL column
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodeJSON marshals v for a JSON TEXT column.
func EncodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

// DecodeJSON unmarshals a JSON TEXT column into v. NULL or empty leaves v untouched.
func DecodeJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

// NullString returns nil for "" so the column stays NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// BoolInt converts a bool to SQLite's 0/1.
func BoolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
