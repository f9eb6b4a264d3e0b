package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tally/internal/events"
	"tally/internal/metrics"
	"tally/internal/models"
)

const insertBatchSize = 500

// Aggregator builds bucket tables. Every step replaces its whole window in
// one transaction, so re-running a step never double counts.
type Aggregator struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

// NewAggregator creates an aggregator. m may be nil.
func NewAggregator(db *gorm.DB, logger *slog.Logger, m *metrics.Metrics, clock clockwork.Clock) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{db: db, logger: logger, metrics: m, clock: clock}
}

// Aggregate runs the step for res on the bucket containing ts and returns
// the number of rows written.
func (a *Aggregator) Aggregate(ctx context.Context, res Resolution, ts time.Time) (int, error) {
	switch res {
	case Res1m:
		return a.Aggregate1m(ctx, ts)
	case Res5m:
		return a.Aggregate5m(ctx, ts)
	case Res1h:
		return a.Aggregate1h(ctx, ts)
	default:
		return 0, fmt.Errorf("rollup: unknown resolution %q", res)
	}
}

// Aggregate1m builds the 1-minute bucket containing ts from fact rows.
func (a *Aggregator) Aggregate1m(ctx context.Context, ts time.Time) (rows int, err error) {
	started := time.Now()
	start := Res1m.Truncate(ts)
	defer func() { a.metrics.ObserveRollup(string(Res1m), started, rows, err) }()

	facts, err := a.readFacts(ctx, start, start.Add(Res1m.Width()))
	if err != nil {
		return 0, err
	}

	groups := make(map[Key]*accumulator)
	for _, f := range facts {
		k := f.key()
		acc, ok := groups[k]
		if !ok {
			acc = newAccumulator()
			groups[k] = acc
		}
		acc.pv++
		if f.EventType == events.EventTypeConversion {
			acc.conv++
		}
		acc.sessions[f.SessionID] = struct{}{}
		acc.sketch.Insert([]byte(f.UserHash))
	}

	buckets, err := a.materialize(start, groups, func(acc *accumulator) int64 {
		return int64(len(acc.sessions))
	})
	if err != nil {
		return 0, err
	}
	if err := a.replaceWindow(ctx, Res1m, start, buckets); err != nil {
		return 0, err
	}

	a.logger.Debug("Aggregated 1m window",
		slog.Time("bucket", start), slog.Int("facts", len(facts)), slog.Int("rows", len(buckets)))
	return len(buckets), nil
}

// Aggregate5m builds the 5-minute bucket containing ts from 1m buckets,
// first computing any 1m window that has not been aggregated yet.
func (a *Aggregator) Aggregate5m(ctx context.Context, ts time.Time) (int, error) {
	return a.rollupFrom(ctx, Res5m, ts)
}

// Aggregate1h builds the 1-hour bucket containing ts from 5m buckets,
// first computing any 5m window that has not been aggregated yet.
func (a *Aggregator) Aggregate1h(ctx context.Context, ts time.Time) (int, error) {
	return a.rollupFrom(ctx, Res1h, ts)
}

func (a *Aggregator) rollupFrom(ctx context.Context, res Resolution, ts time.Time) (rows int, err error) {
	started := time.Now()
	start := res.Truncate(ts)
	end := start.Add(res.Width())
	defer func() { a.metrics.ObserveRollup(string(res), started, rows, err) }()

	src, _ := res.Source()
	if err := a.ensureWindows(ctx, src, start, end); err != nil {
		return 0, err
	}

	var finer []Bucket
	err = a.db.WithContext(ctx).Table(src.Table()).
		Where("bucket_ts >= ? AND bucket_ts < ?", start.Unix(), end.Unix()).
		Find(&finer).Error
	if err != nil {
		return 0, fmt.Errorf("rollup: read %s: %w", src, err)
	}

	groups := make(map[Key]*accumulator)
	for _, b := range finer {
		k := b.Key()
		acc, ok := groups[k]
		if !ok {
			acc = newAccumulator()
			groups[k] = acc
		}
		acc.pv += b.PV
		acc.conv += b.Conv
		// Sessions crossing a finer boundary are counted once per bucket.
		acc.sessionSum += b.Sessions
		if err := MergeInto(acc.sketch, b.UVHLL); err != nil {
			return 0, err
		}
	}

	buckets, err := a.materialize(start, groups, func(acc *accumulator) int64 {
		return acc.sessionSum
	})
	if err != nil {
		return 0, err
	}
	if err := a.replaceWindow(ctx, res, start, buckets); err != nil {
		return 0, err
	}

	a.logger.Debug("Aggregated window",
		slog.String("resolution", string(res)), slog.Time("bucket", start),
		slog.Int("source_rows", len(finer)), slog.Int("rows", len(buckets)))
	return len(buckets), nil
}

// ensureWindows aggregates every res window in [start, end) that has no checkpoint.
func (a *Aggregator) ensureWindows(ctx context.Context, res Resolution, start, end time.Time) error {
	done, err := a.completed(ctx, res, start, end)
	if err != nil {
		return err
	}

	for ts := start; ts.Before(end); ts = ts.Add(res.Width()) {
		if _, ok := done[ts.Unix()]; ok {
			continue
		}
		a.logger.Debug("Computing missing dependency window",
			slog.String("resolution", string(res)), slog.Time("bucket", ts))
		if _, err := a.Aggregate(ctx, res, ts); err != nil {
			return fmt.Errorf("rollup: dependency %s %s: %w", res, ts.Format(time.RFC3339), err)
		}
	}
	return nil
}

func (a *Aggregator) completed(ctx context.Context, res Resolution, start, end time.Time) (map[int64]struct{}, error) {
	var stamps []int64
	err := a.db.WithContext(ctx).Model(&Checkpoint{}).
		Where("resolution = ? AND bucket_ts >= ? AND bucket_ts < ?", res, start.Unix(), end.Unix()).
		Pluck("bucket_ts", &stamps).Error
	if err != nil {
		return nil, fmt.Errorf("rollup: read checkpoints: %w", err)
	}

	done := make(map[int64]struct{}, len(stamps))
	for _, ts := range stamps {
		done[ts] = struct{}{}
	}
	return done, nil
}

// replaceWindow deletes the window's rows, inserts buckets and records the
// checkpoint in one write transaction.
func (a *Aggregator) replaceWindow(ctx context.Context, res Resolution, start time.Time, buckets []Bucket) error {
	now := a.clock.Now().UTC()
	for i := range buckets {
		buckets[i].UpdatedAt = now
	}

	err := models.PerformWrite(a.logger, a.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Table(res.Table()).Where("bucket_ts = ?", start.Unix()).Delete(&Bucket{}).Error; err != nil {
			return err
		}
		if len(buckets) > 0 {
			if err := tx.Table(res.Table()).CreateInBatches(&buckets, insertBatchSize).Error; err != nil {
				return err
			}
		}

		checkpoint := Checkpoint{
			Resolution:  res,
			BucketTS:    start.Unix(),
			Rows:        len(buckets),
			CompletedAt: now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resolution"}, {Name: "bucket_ts"}},
			DoUpdates: clause.AssignmentColumns([]string{"row_count", "completed_at"}),
		}).Create(&checkpoint).Error
	})
	if err != nil {
		return fmt.Errorf("rollup: write %s window %s: %w", res, start.Format(time.RFC3339), err)
	}
	return nil
}

// materialize turns grouped accumulators into bucket rows in key order.
func (a *Aggregator) materialize(start time.Time, groups map[Key]*accumulator, sessions func(*accumulator) int64) ([]Bucket, error) {
	keys := make([]Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	buckets := make([]Bucket, 0, len(keys))
	for _, k := range keys {
		acc := groups[k]
		sketch, err := encodeSketch(acc.sketch)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, Bucket{
			BucketTS:  start.Unix(),
			PageID:    k.Page,
			UTMID:     k.UTM,
			DeviceID:  k.Device,
			CountryID: k.Country,
			PV:        acc.pv,
			Sessions:  sessions(acc),
			Conv:      acc.conv,
			UVHLL:     sketch,
		})
	}
	return buckets, nil
}

type factRow struct {
	PageID    uint
	UTMID     *uint `gorm:"column:utm_id"`
	DeviceID  uint
	CountryID uint
	SessionID string
	UserHash  string
	EventType events.EventType
}

func (f factRow) key() Key {
	k := Key{Page: f.PageID, Device: f.DeviceID, Country: f.CountryID}
	if f.UTMID != nil {
		k.UTM = *f.UTMID
	}
	return k
}

// readFacts loads every fact in [start, end) in a single query.
func (a *Aggregator) readFacts(ctx context.Context, start, end time.Time) ([]factRow, error) {
	var rows []factRow
	err := a.db.WithContext(ctx).Model(&events.Event{}).
		Select("page_id, utm_id, device_id, country_id, session_id, user_hash, event_type").
		Where("event_time >= ? AND event_time < ?", start, end).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("rollup: read facts: %w", err)
	}
	return rows, nil
}

type accumulator struct {
	pv         int64
	conv       int64
	sessionSum int64
	sessions   map[string]struct{}
	sketch     *hyperloglog.Sketch
}

func newAccumulator() *accumulator {
	return &accumulator{
		sessions: make(map[string]struct{}),
		sketch:   NewSketch(),
	}
}
