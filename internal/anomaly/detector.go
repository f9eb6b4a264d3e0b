// Package anomaly flags buckets that deviate from a rolling baseline.
package anomaly

import (
	"context"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"tally/internal/rollup"
	"tally/internal/timeseries"
)

// Threshold bounds and the baseline lookback.
const (
	MinThreshold = 1.0
	MaxThreshold = 5.0
	Lookback     = 7 * 24 * time.Hour
	minWindow    = 3
	// z-score at which anomaly_score saturates at 1.
	scoreScale = 5.0
)

// SeriesReader is the part of the query service the detector needs.
type SeriesReader interface {
	Series(ctx context.Context, start, end time.Time, granularity rollup.Resolution, metric timeseries.Metric) ([]timeseries.Point, error)
}

// Request selects the window to scan.
type Request struct {
	Start       time.Time
	End         time.Time
	Granularity rollup.Resolution
	Metric      timeseries.Metric
	Threshold   float64
}

// Point is a flagged bucket.
type Point struct {
	Timestamp    time.Time `json:"timestamp"`
	Expected     float64   `json:"expected"`
	Actual       float64   `json:"actual"`
	AnomalyScore float64   `json:"anomaly_score"`
}

// Detector runs z-score detection over query service series.
type Detector struct {
	series SeriesReader
	logger *slog.Logger
}

func NewDetector(series SeriesReader, logger *slog.Logger) *Detector {
	return &Detector{series: series, logger: logger}
}

// Validate checks the request without touching storage.
func (r Request) Validate() error {
	if err := timeseries.ValidateRange(r.Start, r.End); err != nil {
		return err
	}
	if _, err := timeseries.ParseGranularity(string(r.Granularity)); err != nil {
		return err
	}
	if r.Metric != "" {
		if _, err := timeseries.ParseMetric(string(r.Metric)); err != nil {
			return err
		}
	}
	if math.IsNaN(r.Threshold) || r.Threshold < MinThreshold || r.Threshold > MaxThreshold {
		return timeseries.Invalid("threshold", "must be between 1.0 and 5.0")
	}
	return nil
}

// Detect returns the anomalous points inside [Start, End). Data from the
// preceding week feeds the baseline but is never reported.
func (d *Detector) Detect(ctx context.Context, req Request) ([]Point, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Metric == "" {
		req.Metric = timeseries.MetricPV
	}

	start, end := req.Start.UTC(), req.End.UTC()
	points, err := d.series.Series(ctx, start.Add(-Lookback), end, req.Granularity, req.Metric)
	if err != nil {
		return nil, err
	}

	flagged := DetectPoints(points, req.Threshold)
	out := make([]Point, 0, len(flagged))
	for _, p := range flagged {
		if p.Timestamp.Before(start) || !p.Timestamp.Before(end) {
			continue
		}
		out = append(out, p)
	}

	d.logger.Debug("anomaly scan complete",
		slog.String("granularity", string(req.Granularity)),
		slog.String("metric", string(req.Metric)),
		slog.Int("samples", len(points)),
		slog.Int("flagged", len(out)))
	return out, nil
}

// WindowSize is the rolling window used for n samples.
func WindowSize(n int) int {
	return max(minWindow, n/4)
}

// DetectPoints flags every point whose distance from the trailing window
// mean exceeds threshold standard deviations. The window ends at, and
// includes, the point being scored. Points without a full window or with a
// flat window are never flagged.
func DetectPoints(points []timeseries.Point, threshold float64) []Point {
	if len(points) < minWindow {
		return []Point{}
	}

	w := WindowSize(len(points))
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	out := []Point{}
	for i := w - 1; i < len(values); i++ {
		mean, std := stat.MeanStdDev(values[i-w+1:i+1], nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		z := math.Abs(values[i]-mean) / std
		if z <= threshold {
			continue
		}
		out = append(out, Point{
			Timestamp:    points[i].Timestamp,
			Expected:     mean,
			Actual:       values[i],
			AnomalyScore: math.Min(z/scoreScale, 1),
		})
	}
	return out
}
