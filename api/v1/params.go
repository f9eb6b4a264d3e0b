package v1

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"tally/internal/anomaly"
	"tally/internal/forecast"
	"tally/internal/rollup"
	"tally/internal/timeseries"
)

// Query parameters are validated here only as far as their syntax goes;
// ranges are checked by the services.

func parseTime(c *fiber.Ctx, name string, required bool) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		if required {
			return time.Time{}, timeseries.Invalid(name, "is required")
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, timeseries.Invalid(name, "must be an RFC3339 timestamp")
	}
	return t, nil
}

func parseInt(c *fiber.Ctx, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, timeseries.Invalid(name, "must be an integer")
	}
	return n, nil
}

func parseFloat(c *fiber.Ctx, name string) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, timeseries.Invalid(name, "is required")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, timeseries.Invalid(name, "must be a number")
	}
	return f, nil
}

func parseGranularity(c *fiber.Ctx) (rollup.Resolution, error) {
	return timeseries.ParseGranularity(c.Query("granularity", string(rollup.Res1h)))
}

func parseMetric(c *fiber.Ctx) (timeseries.Metric, error) {
	return timeseries.ParseMetric(c.Query("metric", string(timeseries.MetricPV)))
}

func parseTimeseriesQuery(c *fiber.Ctx) (timeseries.Query, error) {
	var q timeseries.Query
	var err error

	if q.Start, err = parseTime(c, "start", true); err != nil {
		return q, err
	}
	if q.End, err = parseTime(c, "end", true); err != nil {
		return q, err
	}
	if q.Granularity, err = parseGranularity(c); err != nil {
		return q, err
	}
	if q.Metric, err = parseMetric(c); err != nil {
		return q, err
	}
	if q.GroupBy, err = timeseries.ParseGroupBy(c.Query("group_by")); err != nil {
		return q, err
	}
	if q.TopK, err = parseInt(c, "top_k"); err != nil {
		return q, err
	}
	if q.Limit, err = parseInt(c, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = parseInt(c, "offset"); err != nil {
		return q, err
	}
	q.NoCache = c.QueryBool("no_cache", false)
	return q, nil
}

func parseAnomalyRequest(c *fiber.Ctx) (anomaly.Request, error) {
	var req anomaly.Request
	var err error

	if req.Start, err = parseTime(c, "start", true); err != nil {
		return req, err
	}
	if req.End, err = parseTime(c, "end", true); err != nil {
		return req, err
	}
	if req.Granularity, err = parseGranularity(c); err != nil {
		return req, err
	}
	if req.Metric, err = parseMetric(c); err != nil {
		return req, err
	}
	if req.Threshold, err = parseFloat(c, "threshold"); err != nil {
		return req, err
	}
	return req, nil
}

func parseForecastRequest(c *fiber.Ctx) (forecast.Request, error) {
	var req forecast.Request
	var err error

	if req.Start, err = parseTime(c, "start", true); err != nil {
		return req, err
	}
	if req.Granularity, err = parseGranularity(c); err != nil {
		return req, err
	}
	if req.Metric, err = parseMetric(c); err != nil {
		return req, err
	}
	if req.HorizonDays, err = parseInt(c, "horizon_days"); err != nil {
		return req, err
	}
	return req, nil
}
