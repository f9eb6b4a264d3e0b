package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackfillResult counts the windows and rows written per resolution.
type BackfillResult struct {
	Windows map[Resolution]int
	Rows    map[Resolution]int
}

// Backfill recomputes every tier over [from, to), widened to whole hours so
// each coarse bucket is rebuilt from freshly computed finer ones. Tiers run in
// dependency order. Use it after late facts arrive.
func (a *Aggregator) Backfill(ctx context.Context, from, to time.Time) (*BackfillResult, error) {
	start := Res1h.Truncate(from)
	end := Res1h.Ceil(to)
	if !start.Before(end) {
		return nil, fmt.Errorf("rollup: empty backfill range %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	result := &BackfillResult{
		Windows: make(map[Resolution]int),
		Rows:    make(map[Resolution]int),
	}

	for _, res := range Resolutions {
		for ts := start; ts.Before(end); ts = ts.Add(res.Width()) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			rows, err := a.Aggregate(ctx, res, ts)
			if err != nil {
				return result, err
			}
			result.Windows[res]++
			result.Rows[res] += rows
		}
		a.logger.Info("Backfilled resolution",
			slog.String("resolution", string(res)),
			slog.Int("windows", result.Windows[res]),
			slog.Int("rows", result.Rows[res]))
	}
	return result, nil
}

// LastCheckpoint returns the most recent completed window of res, or nil.
func (a *Aggregator) LastCheckpoint(ctx context.Context, res Resolution) (*Checkpoint, error) {
	var checkpoints []Checkpoint
	err := a.db.WithContext(ctx).
		Where("resolution = ?", res).
		Order("bucket_ts DESC").
		Limit(1).
		Find(&checkpoints).Error
	if err != nil {
		return nil, fmt.Errorf("rollup: read checkpoint: %w", err)
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return &checkpoints[0], nil
}

// Checkpoints lists completed windows of res in [from, to).
func (a *Aggregator) Checkpoints(ctx context.Context, res Resolution, from, to time.Time) ([]Checkpoint, error) {
	var checkpoints []Checkpoint
	err := a.db.WithContext(ctx).
		Where("resolution = ? AND bucket_ts >= ? AND bucket_ts < ?", res, from.Unix(), to.Unix()).
		Order("bucket_ts").
		Find(&checkpoints).Error
	if err != nil {
		return nil, fmt.Errorf("rollup: list checkpoints: %w", err)
	}
	return checkpoints, nil
}
