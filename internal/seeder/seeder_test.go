package seeder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/dimensions"
	"tally/internal/events"
	"tally/internal/seeder"
	"tally/internal/testsupport"
)

type captureIngester struct {
	batches [][]events.EventInput
}

func (c *captureIngester) Ingest(_ context.Context, batch []events.EventInput) (*events.BatchResult, error) {
	c.batches = append(c.batches, append([]events.EventInput(nil), batch...))
	return &events.BatchResult{Accepted: len(batch)}, nil
}

var now = time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)

func TestSeederRespectsBatchSizeAndWindow(t *testing.T) {
	capture := &captureIngester{}
	s := seeder.NewSeeder(capture, testsupport.GetLogger(), 6000, 7, 42)

	result, err := s.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1500, result.Sessions)
	assert.Greater(t, len(capture.batches), 1)

	total := 0
	for _, batch := range capture.batches {
		assert.LessOrEqual(t, len(batch), events.MaxBatchSize)
		for _, e := range batch {
			assert.True(t, e.EventTime.Before(now), "event at %v is not before now", e.EventTime)
			assert.True(t, e.EventTime.After(now.Add(-8*24*time.Hour)))
		}
		total += len(batch)
	}
	assert.Equal(t, total, result.Accepted)
}

func TestSeederIsReproducible(t *testing.T) {
	a, b := &captureIngester{}, &captureIngester{}
	_, err := seeder.NewSeeder(a, testsupport.GetLogger(), 200, 2, 7).Run(context.Background(), now)
	require.NoError(t, err)
	_, err = seeder.NewSeeder(b, testsupport.GetLogger(), 200, 2, 7).Run(context.Background(), now)
	require.NoError(t, err)

	require.Equal(t, len(a.batches[0]), len(b.batches[0]))
	for i := range a.batches[0] {
		assert.Equal(t, a.batches[0][i].PagePath, b.batches[0][i].PagePath)
		assert.Equal(t, a.batches[0][i].EventTime, b.batches[0][i].EventTime)
	}
}

func TestSeederEventsAreValid(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()
	ingester := events.NewIngester(db, dimensions.NewResolver(db, logger), logger, nil)

	result, err := seeder.NewSeeder(ingester, logger, 80, 1, 1).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, result.Rejected)

	var stored int64
	require.NoError(t, db.Model(&events.Event{}).Count(&stored).Error)
	assert.Equal(t, int64(result.Accepted), stored)
}

func TestSeederStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := seeder.NewSeeder(&captureIngester{}, testsupport.GetLogger(), 100, 1, 1).Run(ctx, now)
	assert.ErrorIs(t, err, context.Canceled)
}
