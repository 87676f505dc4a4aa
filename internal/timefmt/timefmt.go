// Package timefmt formats timestamps the way recordings and upload metadata
// carry them.
package timefmt

import "time"

// Layout is second-precision ISO-8601 in UTC with a literal Z suffix.
const Layout = "2006-01-02T15:04:05Z"

// ISO8601 formats t in UTC, e.g. "2026-10-17T08:30:00Z".
func ISO8601(t time.Time) string {
	return t.UTC().Format(Layout)
}

// NowISO8601 formats the current time.
func NowISO8601() string {
	return ISO8601(time.Now())
}
