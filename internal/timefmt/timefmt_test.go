package timefmt

import (
	"testing"
	"time"
)

func TestISO8601_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	in := time.Date(2026, 3, 4, 7, 8, 9, 999_000_000, loc)
	if got, want := ISO8601(in), "2026-03-04T12:08:09Z"; got != want {
		t.Errorf("ISO8601 = %q, want %q", got, want)
	}
}

func TestNowISO8601_Parses(t *testing.T) {
	got := NowISO8601()
	if _, err := time.Parse(Layout, got); err != nil {
		t.Fatalf("NowISO8601() = %q does not parse: %v", got, err)
	}
}
