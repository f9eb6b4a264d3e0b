package timeseries_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tally/internal/cache"
	"tally/internal/dimensions"
	"tally/internal/events"
	"tally/internal/rollup"
	"tally/internal/testsupport"
	"tally/internal/timeseries"
)

var day = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*timeseries.Service, *gorm.DB, *dimensions.Resolver) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()
	return timeseries.NewService(db, nil, logger), db, dimensions.NewResolver(db, logger)
}

func TestGetTimeseriesValidation(t *testing.T) {
	// No database: validation has to fail before storage is touched.
	svc := timeseries.NewService(nil, nil, testsupport.GetLogger())
	ctx := context.Background()

	base := timeseries.Query{
		Start:       day,
		End:         day.Add(time.Hour),
		Granularity: rollup.Res1h,
		Metric:      timeseries.MetricPV,
	}

	tests := []struct {
		name  string
		edit  func(q *timeseries.Query)
		param string
	}{
		{"start equals end", func(q *timeseries.Query) { q.End = q.Start }, "start"},
		{"start after end", func(q *timeseries.Query) { q.Start = q.End.Add(time.Minute) }, "start"},
		{"granularity", func(q *timeseries.Query) { q.Granularity = "15m" }, "granularity"},
		{"metric", func(q *timeseries.Query) { q.Metric = "bounce_rate" }, "metric"},
		{"group by", func(q *timeseries.Query) { q.GroupBy = "browser" }, "group_by"},
		{"top_k too large", func(q *timeseries.Query) { q.TopK = 101 }, "top_k"},
		{"top_k negative", func(q *timeseries.Query) { q.TopK = -1 }, "top_k"},
		{"limit too large", func(q *timeseries.Query) { q.Limit = 10001 }, "limit"},
		{"negative offset", func(q *timeseries.Query) { q.Offset = -5 }, "offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			tt.edit(&q)

			result, err := svc.GetTimeseries(ctx, q)
			require.Error(t, err)
			assert.Nil(t, result)

			var paramErr *timeseries.InvalidParamError
			require.True(t, errors.As(err, &paramErr))
			assert.Equal(t, tt.param, paramErr.Param)
			assert.ErrorIs(t, err, timeseries.ErrInvalidParam)
		})
	}

	t.Run("time range sentinel", func(t *testing.T) {
		q := base
		q.End = q.Start
		_, err := svc.GetTimeseries(ctx, q)
		assert.ErrorIs(t, err, timeseries.ErrInvalidTimeRange)

		assert.ErrorIs(t, err, timeseries.ErrInvalidParam)

		_, err = svc.Series(ctx, day, day, rollup.Res1h, timeseries.MetricPV)
		assert.ErrorIs(t, err, timeseries.ErrInvalidTimeRange)
		assert.ErrorIs(t, err, timeseries.ErrInvalidParam)
	})
}

func TestTopK(t *testing.T) {
	svc, db, resolver := newService(t)
	ctx := context.Background()

	counts := map[string]int64{"/a": 100, "/b": 80, "/c": 60, "/d": 10}
	for path, pv := range counts {
		id, err := resolver.ResolvePage(ctx, path)
		require.NoError(t, err)
		testsupport.InsertBuckets(t, db, rollup.Res1h, rollup.Bucket{
			BucketTS: day.Unix(), PageID: id, DeviceID: dimensions.DeviceDesktop, PV: pv, Sessions: pv,
		})
	}

	result, err := svc.GetTimeseries(ctx, timeseries.Query{
		Start:       day,
		End:         day.Add(time.Hour),
		Granularity: rollup.Res1h,
		Metric:      timeseries.MetricPV,
		GroupBy:     timeseries.GroupPage,
		TopK:        3,
	})
	require.NoError(t, err)

	require.Len(t, result.Series, 3)
	assert.Equal(t, "/a", result.Series[0].Key)
	assert.Equal(t, "/b", result.Series[1].Key)
	assert.Equal(t, "/c", result.Series[2].Key)
	assert.Equal(t, 100.0, result.Series[0].Total)
	assert.Equal(t, 3, result.TotalCount)
}

func TestTopKTieBreak(t *testing.T) {
	svc, db, resolver := newService(t)
	ctx := context.Background()

	for _, path := range []string{"/zeta", "/alpha", "/mid"} {
		id, err := resolver.ResolvePage(ctx, path)
		require.NoError(t, err)
		testsupport.InsertBuckets(t, db, rollup.Res1h, rollup.Bucket{BucketTS: day.Unix(), PageID: id, PV: 5})
	}

	result, err := svc.GetTimeseries(ctx, timeseries.Query{
		Start: day, End: day.Add(time.Hour), Granularity: rollup.Res1h,
		Metric: timeseries.MetricPV, GroupBy: timeseries.GroupPage, TopK: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Series, 2)
	assert.Equal(t, "/alpha", result.Series[0].Key)
	assert.Equal(t, "/mid", result.Series[1].Key)
}

func TestConversionRate(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()

	testsupport.InsertBuckets(t, db, rollup.Res1h,
		rollup.Bucket{BucketTS: day.Unix(), PV: 3, Sessions: 0, Conv: 0},
		rollup.Bucket{BucketTS: day.Add(time.Hour).Unix(), PV: 10, Sessions: 8, Conv: 2},
	)

	result, err := svc.GetTimeseries(ctx, timeseries.Query{
		Start: day, End: day.Add(2 * time.Hour), Granularity: rollup.Res1h,
		Metric: timeseries.MetricConversionRate,
	})
	require.NoError(t, err)
	require.Len(t, result.Series, 1)

	points := result.Series[0].Points
	require.Len(t, points, 2)
	assert.Equal(t, 0.0, points[0].Value)
	assert.Equal(t, 25.0, points[1].Value)
	assert.Equal(t, 25.0, result.Series[0].Total)
	assert.Equal(t, timeseries.TotalKey, result.Series[0].Key)
}

func TestMetricsAndGrouping(t *testing.T) {
	svc, db, resolver := newService(t)
	ctx := context.Background()

	kr, err := resolver.ResolveCountry(ctx, "KR")
	require.NoError(t, err)
	utm, err := resolver.ResolveUTM(ctx, "google", "cpc", "summer")
	require.NoError(t, err)

	testsupport.InsertBuckets(t, db, rollup.Res5m,
		rollup.Bucket{BucketTS: day.Unix(), CountryID: kr, UTMID: utm, DeviceID: dimensions.DeviceMobile, PV: 4, Sessions: 2, Conv: 1},
		rollup.Bucket{BucketTS: day.Unix(), PV: 6, Sessions: 3},
		rollup.Bucket{BucketTS: day.Add(5 * time.Minute).Unix(), CountryID: kr, PV: 1, Sessions: 1},
	)

	query := func(metric timeseries.Metric, groupBy timeseries.GroupBy) *timeseries.Result {
		t.Helper()
		result, err := svc.GetTimeseries(ctx, timeseries.Query{
			Start: day, End: day.Add(time.Hour), Granularity: rollup.Res5m,
			Metric: metric, GroupBy: groupBy,
		})
		require.NoError(t, err)
		return result
	}

	t.Run("uv is served from pageviews", func(t *testing.T) {
		result := query(timeseries.MetricUV, timeseries.GroupNone)
		require.Len(t, result.Series, 1)
		assert.Equal(t, 11.0, result.Series[0].Total)
		assert.Equal(t, 10.0, result.Series[0].Points[0].Value)
	})

	t.Run("sessions", func(t *testing.T) {
		result := query(timeseries.MetricSessions, timeseries.GroupNone)
		assert.Equal(t, 6.0, result.Series[0].Total)
	})

	t.Run("country labels use common names", func(t *testing.T) {
		result := query(timeseries.MetricPV, timeseries.GroupCountry)
		require.Len(t, result.Series, 2)
		assert.Equal(t, dimensions.UnknownLabel, result.Series[0].Key)
		assert.Equal(t, "KR", result.Series[1].Key)
		assert.Equal(t, "South Korea", result.Series[1].Label)
		assert.Equal(t, 5.0, result.Series[1].Total)
	})

	t.Run("utm renders the triple", func(t *testing.T) {
		result := query(timeseries.MetricPV, timeseries.GroupUTM)
		keys := []string{}
		for _, s := range result.Series {
			keys = append(keys, s.Key)
		}
		assert.ElementsMatch(t, []string{"google / cpc / summer", dimensions.UnknownLabel}, keys)
	})

	t.Run("device", func(t *testing.T) {
		result := query(timeseries.MetricPV, timeseries.GroupDevice)
		require.Len(t, result.Series, 2)
		assert.Equal(t, dimensions.UnknownLabel, result.Series[0].Key)
		assert.Equal(t, "mobile", result.Series[1].Key)
	})

	t.Run("missing buckets are zero", func(t *testing.T) {
		points, err := svc.Series(ctx, day, day.Add(time.Hour), rollup.Res5m, timeseries.MetricPV)
		require.NoError(t, err)
		require.Len(t, points, 12)
		assert.Equal(t, day, points[0].Timestamp)
		assert.Equal(t, day.Add(5*time.Minute), points[1].Timestamp)
		assert.Positive(t, points[0].Value)
		assert.Positive(t, points[1].Value)
		for i, p := range points[2:] {
			assert.Equal(t, day.Add(time.Duration(i+2)*5*time.Minute), p.Timestamp)
			assert.Zero(t, p.Value)
		}
	})

	t.Run("series start at the first full bucket", func(t *testing.T) {
		points, err := svc.Series(ctx, day.Add(-2*time.Minute), day.Add(10*time.Minute), rollup.Res5m, timeseries.MetricPV)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, day, points[0].Timestamp)
	})

	t.Run("empty window", func(t *testing.T) {
		points, err := svc.Series(ctx, day.Add(-time.Hour), day, rollup.Res5m, timeseries.MetricPV)
		require.NoError(t, err)
		assert.Empty(t, points)
	})
}

func TestPagination(t *testing.T) {
	svc, db, resolver := newService(t)
	ctx := context.Background()

	a, err := resolver.ResolvePage(ctx, "/a")
	require.NoError(t, err)
	b, err := resolver.ResolvePage(ctx, "/b")
	require.NoError(t, err)

	for h := 0; h < 3; h++ {
		ts := day.Add(time.Duration(h) * time.Hour).Unix()
		testsupport.InsertBuckets(t, db, rollup.Res1h,
			rollup.Bucket{BucketTS: ts, PageID: a, PV: 10},
			rollup.Bucket{BucketTS: ts, PageID: b, PV: 1},
		)
	}

	result, err := svc.GetTimeseries(ctx, timeseries.Query{
		Start: day, End: day.Add(3 * time.Hour), Granularity: rollup.Res1h,
		Metric: timeseries.MetricPV, GroupBy: timeseries.GroupPage,
		Limit: 3, Offset: 2,
	})
	require.NoError(t, err)

	// Rows in (bucket, rank) order: a0 b0 a1 b1 a2 b2; the page holds a1 b1 a2.
	assert.Equal(t, 6, result.TotalCount)
	require.Len(t, result.Series, 2)
	assert.Equal(t, "/a", result.Series[0].Key)
	require.Len(t, result.Series[0].Points, 2)
	assert.Equal(t, day.Add(time.Hour), result.Series[0].Points[0].Timestamp)
	assert.Equal(t, "/b", result.Series[1].Key)
	require.Len(t, result.Series[1].Points, 1)
	assert.Equal(t, 30.0, result.Series[0].Total)

	beyond, err := svc.GetTimeseries(ctx, timeseries.Query{
		Start: day, End: day.Add(3 * time.Hour), Granularity: rollup.Res1h,
		Metric: timeseries.MetricPV, GroupBy: timeseries.GroupPage, Offset: 50,
	})
	require.NoError(t, err)
	assert.Empty(t, beyond.Series)
	assert.Equal(t, 6, beyond.TotalCount)
}

func TestUniqueUsersEndToEnd(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()
	ctx := context.Background()

	resolver := dimensions.NewResolver(db, logger)
	ingester := events.NewIngester(db, resolver, logger, nil)
	aggregator := rollup.NewAggregator(db, logger, nil, nil)

	var batch []events.EventInput
	for i := 0; i < 30; i++ {
		user := []string{"ann", "bob", "cid"}[i%3]
		batch = append(batch, testsupport.NewEvent(day.Add(time.Duration(i)*time.Minute), testsupport.WithUser(user)))
	}
	testsupport.Ingest(t, ingester, batch...)

	_, err := aggregator.Backfill(ctx, day, day.Add(time.Hour))
	require.NoError(t, err)

	mem, err := cache.NewMemory(1 << 20)
	require.NoError(t, err)
	svc := timeseries.NewService(db, cache.NewLoader(mem, time.Minute, logger, nil), logger)

	q := timeseries.Query{Start: day, End: day.Add(time.Hour), Granularity: rollup.Res1h, Metric: timeseries.MetricUniqueUsers}
	result, err := svc.GetTimeseries(ctx, q)
	require.NoError(t, err)
	require.Len(t, result.Series, 1)
	assert.InDelta(t, 3, result.Series[0].Total, 0.5)

	pv, err := svc.GetTimeseries(ctx, timeseries.Query{Start: day, End: day.Add(time.Hour), Granularity: rollup.Res1m, Metric: timeseries.MetricPV})
	require.NoError(t, err)
	assert.Equal(t, 30.0, pv.Series[0].Total)
	assert.Len(t, pv.Series[0].Points, 30)

	t.Run("cached results survive table changes until ttl", func(t *testing.T) {
		testsupport.CleanAllTables(db)

		cached, err := svc.GetTimeseries(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, result.Series[0].Total, cached.Series[0].Total)

		fresh := q
		fresh.NoCache = true
		direct, err := svc.GetTimeseries(ctx, fresh)
		require.NoError(t, err)
		assert.Empty(t, direct.Series)
	})
}
