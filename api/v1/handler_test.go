// Package v1_test contains tests for the API v1 handlers
package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	v1 "tally/api/v1"
	"tally/internal/anomaly"
	"tally/internal/dimensions"
	"tally/internal/events"
	"tally/internal/forecast"
	"tally/internal/rollup"
	"tally/internal/testsupport"
	"tally/internal/timeseries"
)

var day = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	app     *fiber.App
	handler *v1.Handler
}

func setup(t *testing.T) (*fixture, *gorm.DB, *dimensions.Resolver) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()

	resolver := dimensions.NewResolver(db, logger)
	series := timeseries.NewService(db, nil, logger)
	handler := &v1.Handler{
		Timeseries: series,
		Anomalies:  anomaly.NewDetector(series, logger),
		Forecasts:  forecast.NewService(series, logger),
		Ingester:   events.NewIngester(db, resolver, logger, nil),
		Logger:     logger,
		Timeout:    5 * time.Second,
	}
	return newFixture(handler), db, resolver
}

func newFixture(handler *v1.Handler) *fixture {
	app := fiber.New()
	handler.Register(app.Group("/api/v1"), func(c *fiber.Ctx) error { return c.Next() })
	return &fixture{app: app, handler: handler}
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := f.app.Test(req, 30000)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out), "body: %s", body)
	}
	return resp.StatusCode, out
}

func get(path string, params map[string]string) *http.Request {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil)
}

func postEvents(t *testing.T, batch []events.EventInput) *http.Request {
	t.Helper()
	payload, err := json.Marshal(v1.CreateEventsParams{Events: batch})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateEventsAction(t *testing.T) {
	t.Run("accepts a batch with one bad event", func(t *testing.T) {
		f, _, _ := setup(t)

		batch := make([]events.EventInput, 5)
		for i := range batch {
			batch[i] = testsupport.NewEvent(day.Add(time.Duration(i) * time.Second))
		}
		batch[2].UserHash = "short"

		status, body := f.do(t, postEvents(t, batch))
		assert.Equal(t, http.StatusAccepted, status)
		assert.Equal(t, 4.0, body["accepted"])
		assert.Equal(t, 1.0, body["rejected"])

		errs, ok := body["errors"].([]any)
		require.True(t, ok)
		require.Len(t, errs, 1)
		first := errs[0].(map[string]any)
		assert.Equal(t, 2.0, first["index"])
		assert.Equal(t, "user_hash", first["field"])
	})

	t.Run("caps reported errors", func(t *testing.T) {
		f, _, _ := setup(t)

		batch := make([]events.EventInput, 25)
		for i := range batch {
			batch[i] = testsupport.NewEvent(day, testsupport.WithDevice("watch"))
		}

		status, body := f.do(t, postEvents(t, batch))
		assert.Equal(t, http.StatusAccepted, status)
		assert.Equal(t, 25.0, body["rejected"])
		assert.Len(t, body["errors"], 10)
	})

	t.Run("rejects oversized batch", func(t *testing.T) {
		f, _, _ := setup(t)

		batch := make([]events.EventInput, events.MaxBatchSize+1)
		for i := range batch {
			batch[i] = testsupport.NewEvent(day)
		}

		status, body := f.do(t, postEvents(t, batch))
		assert.Equal(t, http.StatusRequestEntityTooLarge, status)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		f, _, _ := setup(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(`{"events": [`))
		req.Header.Set("Content-Type", "application/json")
		status, body := f.do(t, req)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "Invalid request", body["error"])
	})
}

func TestTimeseriesAction(t *testing.T) {
	f, db, resolver := setup(t)
	ctx := context.Background()

	for path, pv := range map[string]int64{"/a": 100, "/b": 80, "/c": 60, "/d": 10} {
		id, err := resolver.ResolvePage(ctx, path)
		require.NoError(t, err)
		testsupport.InsertBuckets(t, db, rollup.Res1h, rollup.Bucket{
			BucketTS: day.Unix(), PageID: id, PV: pv, Sessions: pv,
		})
	}

	t.Run("returns top k series", func(t *testing.T) {
		status, body := f.do(t, get("/api/v1/timeseries", map[string]string{
			"start":       day.Format(time.RFC3339),
			"end":         day.Add(time.Hour).Format(time.RFC3339),
			"granularity": "1h",
			"metric":      "pv",
			"group_by":    "page",
			"top_k":       "3",
		}))
		require.Equal(t, http.StatusOK, status)

		series := body["series"].([]any)
		require.Len(t, series, 3)
		var keys []string
		for _, s := range series {
			keys = append(keys, s.(map[string]any)["key"].(string))
		}
		assert.Equal(t, []string{"/a", "/b", "/c"}, keys)
		assert.Equal(t, 3.0, body["total_count"])
	})

	tests := []struct {
		name   string
		params map[string]string
		param  string
	}{
		{"start after end", map[string]string{
			"start": day.Add(time.Hour).Format(time.RFC3339), "end": day.Format(time.RFC3339),
		}, "start"},
		{"missing end", map[string]string{"start": day.Format(time.RFC3339)}, "end"},
		{"bad timestamp", map[string]string{"start": "yesterday", "end": day.Format(time.RFC3339)}, "start"},
		{"bad granularity", map[string]string{
			"start": day.Format(time.RFC3339), "end": day.Add(time.Hour).Format(time.RFC3339), "granularity": "1d",
		}, "granularity"},
		{"non numeric top_k", map[string]string{
			"start": day.Format(time.RFC3339), "end": day.Add(time.Hour).Format(time.RFC3339), "top_k": "ten",
		}, "top_k"},
		{"top_k out of range", map[string]string{
			"start": day.Format(time.RFC3339), "end": day.Add(time.Hour).Format(time.RFC3339), "top_k": "500",
		}, "top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, get("/api/v1/timeseries", tt.params))
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.param, body["param"])
		})
	}
}

func TestAnomaliesAction(t *testing.T) {
	f, db, _ := setup(t)

	values := make([]int64, 8*24)
	for i := range values {
		values[i] = 10
	}
	values[7*24+5] = 400
	testsupport.HourlySeries(t, db, day.Add(-anomaly.Lookback), values...)

	params := map[string]string{
		"start":       day.Format(time.RFC3339),
		"end":         day.Add(24 * time.Hour).Format(time.RFC3339),
		"granularity": "1h",
		"threshold":   "2.5",
	}
	status, body := f.do(t, get("/api/v1/anomalies", params))
	require.Equal(t, http.StatusOK, status)
	list := body["anomalies"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, day.Add(5*time.Hour).Format(time.RFC3339), list[0].(map[string]any)["timestamp"])

	params["threshold"] = "7"
	status, body = f.do(t, get("/api/v1/anomalies", params))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "threshold", body["param"])

	delete(params, "threshold")
	status, body = f.do(t, get("/api/v1/anomalies", params))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "threshold", body["param"])
}

func TestForecastAction(t *testing.T) {
	f, db, _ := setup(t)
	history := make([]int64, forecast.RecentSamples)
	for i := range history {
		history[i] = 10
	}
	testsupport.HourlySeries(t, db, day.Add(-time.Duration(len(history))*time.Hour), history...)

	status, body := f.do(t, get("/api/v1/forecast", map[string]string{
		"start":        day.Format(time.RFC3339),
		"granularity":  "1h",
		"horizon_days": "30",
	}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 30.0, body["horizon_days"])
	points := body["forecast"].([]any)
	assert.Len(t, points, forecast.MaxPoints)
	first := points[0].(map[string]any)
	assert.Equal(t, 10.0, first["forecast"])
	assert.Equal(t, 10.0, first["lower_bound"])

	status, body = f.do(t, get("/api/v1/forecast", map[string]string{
		"start":        day.Format(time.RFC3339),
		"horizon_days": "0",
	}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "horizon_days", body["param"])
}

type failingQuerier struct{}

func (failingQuerier) GetTimeseries(context.Context, timeseries.Query) (*timeseries.Result, error) {
	return nil, fmt.Errorf("timeseries: query rollup_1h: %w", errors.New("disk I/O error"))
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	params := map[string]string{
		"start": day.Format(time.RFC3339),
		"end":   day.Add(time.Hour).Format(time.RFC3339),
	}

	t.Run("hides detail by default", func(t *testing.T) {
		f := newFixture(&v1.Handler{Timeseries: failingQuerier{}, Logger: testsupport.GetLogger()})
		status, body := f.do(t, get("/api/v1/timeseries", params))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, "internal error", body["error"])
		assert.NotContains(t, body, "detail")
	})

	t.Run("adds detail in debug mode", func(t *testing.T) {
		f := newFixture(&v1.Handler{Timeseries: failingQuerier{}, Logger: testsupport.GetLogger(), Debug: true})
		status, body := f.do(t, get("/api/v1/timeseries", params))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Contains(t, body["detail"], "disk I/O error")
	})
}
