package util

import "time"

// Ptr returns a pointer to the given value.
// This is a generic helper for creating pointers to literals.
func Ptr[T any](v T) *T {
	return &v
}

// FormatTimePtr renders t as RFC3339 UTC, or nil for a nil pointer. The result
// is meant to be passed straight to database/sql as a nullable argument.
func FormatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// NullIfEmpty returns nil for an empty string so it is stored as NULL.
func NullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
