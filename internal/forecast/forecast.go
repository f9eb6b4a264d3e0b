// Package forecast projects a metric forward from its recent history.
package forecast

import (
	"context"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"tally/internal/rollup"
	"tally/internal/timeseries"
)

const (
	MinHorizonDays = 1
	MaxHorizonDays = 30
	// MaxPoints caps a forecast at one week of hourly points.
	MaxPoints = 168
	// HistoryFactor sizes the lookback as a multiple of the horizon.
	HistoryFactor = 4
	// RecentSamples is how many trailing samples feed the baseline.
	RecentSamples = 20

	z95 = 1.96
)

// SeriesReader is the part of the query service the forecaster needs.
type SeriesReader interface {
	Series(ctx context.Context, start, end time.Time, granularity rollup.Resolution, metric timeseries.Metric) ([]timeseries.Point, error)
}

// Model turns history into future points at the given timestamps.
type Model interface {
	Name() string
	Predict(history []timeseries.Point, at []time.Time) []Point
}

// Request selects what to project.
type Request struct {
	Start       time.Time
	Granularity rollup.Resolution
	Metric      timeseries.Metric
	HorizonDays int
}

// Point is one projected bucket.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	Forecast   float64   `json:"forecast"`
	LowerBound float64   `json:"lower_bound"`
	UpperBound float64   `json:"upper_bound"`
}

// Validate checks the request without touching storage.
func (r Request) Validate() error {
	if r.Start.IsZero() {
		return timeseries.Invalid("start", "is required")
	}
	if _, err := timeseries.ParseGranularity(string(r.Granularity)); err != nil {
		return err
	}
	if r.Metric != "" {
		if _, err := timeseries.ParseMetric(string(r.Metric)); err != nil {
			return err
		}
	}
	if r.HorizonDays < MinHorizonDays || r.HorizonDays > MaxHorizonDays {
		return timeseries.Invalid("horizon_days", "must be between 1 and 30")
	}
	return nil
}

// Service runs a Model over query service history.
type Service struct {
	series SeriesReader
	model  Model
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithModel replaces the flat baseline.
func WithModel(m Model) Option {
	return func(s *Service) { s.model = m }
}

func NewService(series SeriesReader, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{series: series, model: FlatBaseline{}, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Forecast projects the metric from the bucket at or after Start. An empty
// history yields an empty forecast.
func (s *Service) Forecast(ctx context.Context, req Request) ([]Point, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Metric == "" {
		req.Metric = timeseries.MetricPV
	}

	start := req.Start.UTC()
	lookback := time.Duration(HistoryFactor*req.HorizonDays) * 24 * time.Hour
	history, err := s.series.Series(ctx, start.Add(-lookback), start, req.Granularity, req.Metric)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return []Point{}, nil
	}

	points := s.model.Predict(history, Timestamps(start, req.Granularity, req.HorizonDays))
	s.logger.Debug("forecast computed",
		slog.String("model", s.model.Name()),
		slog.String("granularity", string(req.Granularity)),
		slog.Int("history", len(history)),
		slog.Int("points", len(points)))
	return points, nil
}

// Timestamps lists the buckets a horizon covers, capped at MaxPoints.
func Timestamps(start time.Time, res rollup.Resolution, horizonDays int) []time.Time {
	n := min(horizonDays*res.PointsPerDay(), MaxPoints)
	first := res.Ceil(start)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = first.Add(time.Duration(i) * res.Width())
	}
	return out
}

// FlatBaseline repeats the mean of the most recent samples with a 95%
// normal band.
type FlatBaseline struct{}

func (FlatBaseline) Name() string { return "flat_baseline" }

func (FlatBaseline) Predict(history []timeseries.Point, at []time.Time) []Point {
	if len(history) == 0 {
		return []Point{}
	}
	recent := history[max(0, len(history)-RecentSamples):]
	values := make([]float64, len(recent))
	for i, p := range recent {
		values[i] = p.Value
	}

	mean, std := stat.MeanStdDev(values, nil)
	if len(values) < 2 || math.IsNaN(std) {
		std = 0
	}
	lower := math.Max(0, mean-z95*std)
	upper := mean + z95*std

	out := make([]Point, len(at))
	for i, ts := range at {
		out[i] = Point{Timestamp: ts, Forecast: mean, LowerBound: lower, UpperBound: upper}
	}
	return out
}
