// Package timeutil formats timestamps as ISO-8601 strings in local time with
// an explicit UTC offset and millisecond precision, e.g.
// 2024-03-05T14:07:09.120+08:00. This is the format used for exported
// transfer history.
package timeutil

import (
	"fmt"
	"time"
)

// Layout is the Go reference layout for YYYY-MM-DDTHH:mm:ss.sss±HH:mm.
const Layout = "2006-01-02T15:04:05.000-07:00"

// Format renders t in the local timezone using Layout.
func Format(t time.Time) string {
	return t.Local().Format(Layout)
}

// Now returns the current time truncated to milliseconds, the precision that
// survives a Format/Parse round trip.
func Now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

// Parse accepts Layout as well as any RFC 3339 timestamp (including a
// trailing Z), which covers history written by older exports.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
