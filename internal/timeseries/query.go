// Package timeseries answers bucketed metric queries over the rollup tables.
package timeseries

import (
	"errors"
	"fmt"
	"time"

	"tally/internal/dimensions"
	"tally/internal/rollup"
)

// Metric is a measure computed from buckets.
type Metric string

const (
	MetricPV             Metric = "pv"
	MetricUV             Metric = "uv"
	MetricSessions       Metric = "sessions"
	MetricConversionRate Metric = "conversion_rate"
	MetricUniqueUsers    Metric = "unique_users"
)

// GroupBy names the dimension series are split by. Empty means one total series.
type GroupBy string

const (
	GroupNone    GroupBy = ""
	GroupPage    GroupBy = "page"
	GroupUTM     GroupBy = "utm"
	GroupDevice  GroupBy = "device"
	GroupCountry GroupBy = "country"
)

// Parameter bounds.
const (
	DefaultTopK  = 10
	MaxTopK      = 100
	DefaultLimit = 1000
	MaxLimit     = 10000
)

// TotalKey labels the single series of an ungrouped query.
const TotalKey = "total"

var (
	// ErrInvalidParam is wrapped by every InvalidParamError.
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrInvalidTimeRange reports start not strictly before end.
	ErrInvalidTimeRange = errors.New("start must be before end")
)

// InvalidParamError names the offending request parameter.
type InvalidParamError struct {
	Param  string
	Reason string
	Err    error
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

func (e *InvalidParamError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Err, ErrInvalidParam}
	}
	return []error{ErrInvalidParam}
}

// Invalid builds an InvalidParamError.
func Invalid(param, reason string) error {
	return &InvalidParamError{Param: param, Reason: reason}
}

// ValidateRange checks start < end.
func ValidateRange(start, end time.Time) error {
	if start.IsZero() {
		return Invalid("start", "is required")
	}
	if end.IsZero() {
		return Invalid("end", "is required")
	}
	if !start.Before(end) {
		return &InvalidParamError{Param: "start", Reason: "must be before end", Err: ErrInvalidTimeRange}
	}
	return nil
}

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (rollup.Resolution, error) {
	res, err := rollup.ParseResolution(s)
	if err != nil {
		return "", Invalid("granularity", "must be one of 1m, 5m, 1h")
	}
	return res, nil
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricPV, MetricUV, MetricSessions, MetricConversionRate, MetricUniqueUsers:
		return m, nil
	default:
		return "", Invalid("metric", "must be one of pv, uv, sessions, conversion_rate, unique_users")
	}
}

// ParseGroupBy validates a group_by name.
func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case GroupNone, GroupPage, GroupUTM, GroupDevice, GroupCountry:
		return g, nil
	default:
		return "", Invalid("group_by", "must be one of page, utm, device, country")
	}
}

func (g GroupBy) dimension() dimensions.Type {
	switch g {
	case GroupPage:
		return dimensions.TypePage
	case GroupUTM:
		return dimensions.TypeUTM
	case GroupDevice:
		return dimensions.TypeDevice
	case GroupCountry:
		return dimensions.TypeCountry
	default:
		return ""
	}
}

// Query selects a metric over [Start, End) at one granularity.
type Query struct {
	Start       time.Time
	End         time.Time
	Granularity rollup.Resolution
	Metric      Metric
	GroupBy     GroupBy
	TopK        int
	Limit       int
	Offset      int
	// NoCache skips the result cache for reads that must be fresh.
	NoCache bool
}

// Normalize applies defaults and validates q without touching storage.
func (q *Query) Normalize() error {
	if err := ValidateRange(q.Start, q.End); err != nil {
		return err
	}
	q.Start = q.Start.UTC()
	q.End = q.End.UTC()

	if _, err := ParseGranularity(string(q.Granularity)); err != nil {
		return err
	}
	if q.Metric == "" {
		q.Metric = MetricPV
	}
	if _, err := ParseMetric(string(q.Metric)); err != nil {
		return err
	}
	if _, err := ParseGroupBy(string(q.GroupBy)); err != nil {
		return err
	}

	if q.TopK == 0 {
		q.TopK = DefaultTopK
	}
	if q.TopK < 1 || q.TopK > MaxTopK {
		return Invalid("top_k", fmt.Sprintf("must be between 1 and %d", MaxTopK))
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < 1 || q.Limit > MaxLimit {
		return Invalid("limit", fmt.Sprintf("must be between 1 and %d", MaxLimit))
	}
	if q.Offset < 0 {
		return Invalid("offset", "must not be negative")
	}
	return nil
}

func (q Query) cacheParts() []string {
	return []string{
		fmt.Sprint(q.Start.Unix()),
		fmt.Sprint(q.End.Unix()),
		string(q.Granularity),
		string(q.Metric),
		string(q.GroupBy),
		fmt.Sprint(q.TopK),
		fmt.Sprint(q.Limit),
		fmt.Sprint(q.Offset),
	}
}

// Point is one bucket value.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is the points of one dimension value, or of the total.
type Series struct {
	Key    string  `json:"key"`
	Label  string  `json:"label"`
	Total  float64 `json:"total"`
	Points []Point `json:"points"`
}

// Result is a page of series rows. TotalCount counts (bucket, series) rows
// before offset and limit were applied.
type Result struct {
	Series     []Series `json:"series"`
	TotalCount int      `json:"total_count"`
}
