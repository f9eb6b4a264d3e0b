package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/pariz/gountries"
	"gorm.io/gorm"

	"tally/internal/cache"
	"tally/internal/dimensions"
	"tally/internal/rollup"
)

// Service reads the rollup tables. Results are cached for the loader's TTL.
type Service struct {
	db        *gorm.DB
	loader    *cache.Loader
	logger    *slog.Logger
	countries *gountries.Query
}

// NewService creates a query service. loader may be nil to disable caching.
func NewService(db *gorm.DB, loader *cache.Loader, logger *slog.Logger) *Service {
	if loader == nil {
		loader = cache.NewLoader(cache.Noop{}, 0, logger, nil)
	}
	return &Service{
		db:        db,
		loader:    loader,
		logger:    logger,
		countries: gountries.New(),
	}
}

// GetTimeseries validates q and returns the requested page of series.
func (s *Service) GetTimeseries(ctx context.Context, q Query) (*Result, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	if q.NoCache {
		return s.compute(ctx, q)
	}
	return cache.Fetch(ctx, s.loader, cache.Key("ts", q.cacheParts()...), func(ctx context.Context) (*Result, error) {
		return s.compute(ctx, q)
	})
}

// Series returns the ungrouped points of metric over [start, end), one per
// bucket from granularity.Ceil(start). Missing buckets are zero. A window
// with no rows at all returns an empty series.
func (s *Service) Series(ctx context.Context, start, end time.Time, granularity rollup.Resolution, metric Metric) ([]Point, error) {
	q := Query{
		Start:       start,
		End:         end,
		Granularity: granularity,
		Metric:      metric,
		Limit:       MaxLimit,
		NoCache:     true,
	}
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	groups, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}
	g, ok := groups[TotalKey]
	if !ok {
		return []Point{}, nil
	}
	return g.filled(q.Metric, q.Granularity, q.Start, q.End), nil
}

func (s *Service) compute(ctx context.Context, q Query) (*Result, error) {
	groups, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}

	ranked := rank(groups, q.Metric)
	if len(ranked) > q.TopK {
		ranked = ranked[:q.TopK]
	}

	rows := orderRows(ranked)
	result := &Result{Series: []Series{}, TotalCount: len(rows)}

	if q.Offset >= len(rows) {
		return result, nil
	}
	rows = rows[q.Offset:min(q.Offset+q.Limit, len(rows))]

	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.group.key]
		if !ok {
			i = len(result.Series)
			index[r.group.key] = i
			result.Series = append(result.Series, Series{
				Key:    r.group.key,
				Label:  s.label(q.GroupBy, r.group.key),
				Total:  r.group.total.value(q.Metric),
				Points: []Point{},
			})
		}
		result.Series[i].Points = append(result.Series[i].Points, Point{
			Timestamp: time.Unix(r.bucket, 0).UTC(),
			Value:     r.group.buckets[r.bucket].value(q.Metric),
		})
	}
	return result, nil
}

func (s *Service) label(groupBy GroupBy, key string) string {
	if groupBy != GroupCountry || key == dimensions.UnknownLabel {
		return key
	}
	country, err := s.countries.FindCountryByAlpha(key)
	if err != nil {
		return key
	}
	return country.Name.Common
}

type cell struct {
	pv       float64
	sessions float64
	conv     float64
	sketch   *hyperloglog.Sketch
}

func (c *cell) value(metric Metric) float64 {
	switch metric {
	case MetricSessions:
		return c.sessions
	case MetricConversionRate:
		if c.sessions == 0 {
			return 0
		}
		return c.conv / c.sessions * 100
	case MetricUniqueUsers:
		if c.sketch == nil {
			return 0
		}
		return float64(c.sketch.Estimate())
	default:
		// uv is served from pageviews; unique_users is the distinct count.
		return c.pv
	}
}

type group struct {
	key     string
	total   *cell
	buckets map[int64]*cell
}

// filled is points with a zero for every bucket in [start, end) that has
// no row.
func (g *group) filled(metric Metric, res rollup.Resolution, start, end time.Time) []Point {
	step := res.Width()
	points := make([]Point, 0, int(end.Sub(start)/step)+1)
	for ts := res.Ceil(start); ts.Before(end); ts = ts.Add(step) {
		p := Point{Timestamp: ts.UTC()}
		if c, ok := g.buckets[ts.Unix()]; ok {
			p.Value = c.value(metric)
		}
		points = append(points, p)
	}
	return points
}

type aggRow struct {
	BucketTS int64
	DimKey   string
	PV       int64 `gorm:"column:pv"`
	Sessions int64
	Conv     int64
	UVHLL    []byte `gorm:"column:uv_hll"`
}

// load reads the window and groups it by bucket and dimension value.
func (s *Service) load(ctx context.Context, q Query) (map[string]*group, error) {
	table := q.Granularity.Table()
	join, keyExpr := dimensionJoin(q.GroupBy)

	tx := s.db.WithContext(ctx).Table(table + " AS r")
	if join != "" {
		tx = tx.Joins(join)
	}
	if q.Metric == MetricUniqueUsers {
		tx = tx.Select(fmt.Sprintf("r.bucket_ts AS bucket_ts, %s AS dim_key, r.pv AS pv, r.sessions AS sessions, r.conv AS conv, r.uv_hll AS uv_hll", keyExpr))
	} else {
		tx = tx.Select(fmt.Sprintf("r.bucket_ts AS bucket_ts, %s AS dim_key, SUM(r.pv) AS pv, SUM(r.sessions) AS sessions, SUM(r.conv) AS conv", keyExpr)).
			Group("r.bucket_ts, dim_key")
	}

	var rows []aggRow
	err := tx.Where("r.bucket_ts >= ? AND r.bucket_ts < ?", q.Start.Unix(), q.End.Unix()).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("timeseries: query %s: %w", table, err)
	}

	groups := make(map[string]*group)
	for _, r := range rows {
		g, ok := groups[r.DimKey]
		if !ok {
			g = &group{key: r.DimKey, total: &cell{}, buckets: make(map[int64]*cell)}
			groups[r.DimKey] = g
		}
		c, ok := g.buckets[r.BucketTS]
		if !ok {
			c = &cell{}
			g.buckets[r.BucketTS] = c
		}
		for _, target := range []*cell{c, g.total} {
			target.pv += float64(r.PV)
			target.sessions += float64(r.Sessions)
			target.conv += float64(r.Conv)
			if q.Metric == MetricUniqueUsers {
				if target.sketch == nil {
					target.sketch = rollup.NewSketch()
				}
				if err := rollup.MergeInto(target.sketch, r.UVHLL); err != nil {
					return nil, err
				}
			}
		}
	}
	return groups, nil
}

// dimensionJoin returns the join clause and the SQL expression labelling a
// row's dimension value. Keys absent from the dimension table read as unknown.
func dimensionJoin(groupBy GroupBy) (string, string) {
	unknown := "'" + dimensions.UnknownLabel + "'"
	switch groupBy {
	case GroupPage:
		return "LEFT JOIN dim_pages d ON d.id = r.page_id", "COALESCE(d.path, " + unknown + ")"
	case GroupUTM:
		return "LEFT JOIN dim_utms d ON d.id = r.utm_id",
			"CASE WHEN d.id IS NULL THEN " + unknown + " ELSE d.source || ' / ' || d.medium || ' / ' || d.campaign END"
	case GroupDevice:
		return "LEFT JOIN dim_devices d ON d.id = r.device_id", "COALESCE(d.name, " + unknown + ")"
	case GroupCountry:
		return "LEFT JOIN dim_countries d ON d.id = r.country_id", "COALESCE(d.iso2, " + unknown + ")"
	default:
		return "", "'" + TotalKey + "'"
	}
}

// rank orders groups by total descending, ties broken by key ascending.
func rank(groups map[string]*group, metric Metric) []*group {
	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i].total.value(metric), ranked[j].total.value(metric)
		if a != b {
			return a > b
		}
		return ranked[i].key < ranked[j].key
	})
	return ranked
}

type row struct {
	bucket int64
	group  *group
}

// orderRows flattens ranked groups into (bucket, rank) order.
func orderRows(ranked []*group) []row {
	seen := make(map[int64]struct{})
	var stamps []int64
	for _, g := range ranked {
		for ts := range g.buckets {
			if _, ok := seen[ts]; !ok {
				seen[ts] = struct{}{}
				stamps = append(stamps, ts)
			}
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	var rows []row
	for _, ts := range stamps {
		for _, g := range ranked {
			if _, ok := g.buckets[ts]; ok {
				rows = append(rows, row{bucket: ts, group: g})
			}
		}
	}
	return rows
}
