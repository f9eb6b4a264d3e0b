// Package rollup aggregates fact rows into 1-minute, 5-minute and 1-hour buckets.
package rollup

import (
	"fmt"
	"time"
)

// Resolution is the width of an aggregation bucket.
type Resolution string

const (
	Res1m Resolution = "1m"
	Res5m Resolution = "5m"
	Res1h Resolution = "1h"
)

// Resolutions lists every tier from finest to coarsest.
var Resolutions = []Resolution{Res1m, Res5m, Res1h}

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case Res1m, Res5m, Res1h:
		return Resolution(s), nil
	default:
		return "", fmt.Errorf("rollup: unknown resolution %q", s)
	}
}

// Width returns the bucket duration.
func (r Resolution) Width() time.Duration {
	switch r {
	case Res1m:
		return time.Minute
	case Res5m:
		return 5 * time.Minute
	case Res1h:
		return time.Hour
	default:
		return 0
	}
}

// Table returns the bucket table of the resolution.
func (r Resolution) Table() string {
	switch r {
	case Res1m:
		return "rollup_1m"
	case Res5m:
		return "rollup_5m"
	case Res1h:
		return "rollup_1h"
	default:
		return ""
	}
}

// Source returns the finer tier a resolution is built from. 1m has none; it
// reads facts directly.
func (r Resolution) Source() (Resolution, bool) {
	switch r {
	case Res5m:
		return Res1m, true
	case Res1h:
		return Res5m, true
	default:
		return "", false
	}
}

// Truncate returns the start of the bucket containing t, in UTC.
func (r Resolution) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(r.Width())
}

// Ceil returns the first bucket start at or after t, in UTC.
func (r Resolution) Ceil(t time.Time) time.Time {
	start := r.Truncate(t)
	if start.Before(t) {
		start = start.Add(r.Width())
	}
	return start
}

// PointsPerDay returns how many buckets fit in a day.
func (r Resolution) PointsPerDay() int {
	if r.Width() == 0 {
		return 0
	}
	return int(24 * time.Hour / r.Width())
}
