// Package seeder generates synthetic traffic through the ingest path.
package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"tally/internal/events"
	"tally/internal/models"
)

// Ingester accepts event batches.
type Ingester interface {
	Ingest(ctx context.Context, batch []events.EventInput) (*events.BatchResult, error)
}

// Seeder handles the data seeding process
type Seeder struct {
	Ingester   Ingester
	Logger     *slog.Logger
	EventCount int
	// Days is how far back sessions may start.
	Days int
	rnd  *rand.Rand
}

// Result counts what a run produced.
type Result struct {
	Sessions int
	Accepted int
	Rejected int
}

// NewSeeder creates a new seeder instance. seed makes runs reproducible.
func NewSeeder(ingester Ingester, logger *slog.Logger, eventCount, days int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	if days <= 0 {
		days = 1
	}
	return &Seeder{
		Ingester:   ingester,
		Logger:     logger,
		EventCount: eventCount,
		Days:       days,
		rnd:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/blog", "/blog/article-1", "/blog/article-2"},
	{"/", "/signup"},
	{"/products", "/products/widget-a", "/pricing", "/signup"},
	{"/blog/article-1", "/about", "/pricing", "/signup"},
}

var campaigns = []struct{ source, medium, campaign string }{
	{},
	{},
	{"google", "cpc", "spring_sale"},
	{"newsletter", "email", "weekly"},
	{"twitter", "social", "launch"},
}

var goalEvents = []struct {
	name     string
	metadata map[string]any
}{
	{name: "newsletter_signup", metadata: map[string]any{"source": "footer"}},
	{name: "purchased", metadata: map[string]any{"price": 2999, "currency": "USD"}},
	{name: "demo_requested", metadata: map[string]any{"plan": "enterprise"}},
	{name: "free_trial_started", metadata: map[string]any{"plan": "pro"}},
}

var (
	devices   = []string{"desktop", "desktop", "mobile", "mobile", "tablet"}
	countries = []string{"US", "US", "GB", "DE", "KR", "BR", "IN", "FR"}
)

// Run ingests roughly EventCount events in journeys ending before now.
func (s *Seeder) Run(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()
	s.Logger.Info("Starting seeding...", slog.Int("eventCount", s.EventCount), slog.Int("days", s.Days))

	avgPagesPerSession := 4
	numSessions := max(s.EventCount/avgPagesPerSession, 10)
	userPool := max(numSessions/3, 1)
	span := time.Duration(s.Days) * 24 * time.Hour

	result := &Result{Sessions: numSessions}
	batch := make([]events.EventInput, 0, events.MaxBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := s.Ingester.Ingest(ctx, batch)
		if err != nil {
			return fmt.Errorf("seeder: ingest: %w", err)
		}
		result.Accepted += res.Accepted
		result.Rejected += res.Rejected
		batch = batch[:0]
		return nil
	}
	add := func(e events.EventInput) error {
		batch = append(batch, e)
		if len(batch) == events.MaxBatchSize {
			return flush()
		}
		return nil
	}

	for session := 0; session < numSessions; session++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		journey := journeyTemplates[s.rnd.IntN(len(journeyTemplates))]
		utm := campaigns[s.rnd.IntN(len(campaigns))]
		base := events.EventInput{
			SessionID:   uuid.NewString(),
			UserHash:    userHash(s.rnd.IntN(userPool)),
			Device:      devices[s.rnd.IntN(len(devices))],
			CountryISO2: countries[s.rnd.IntN(len(countries))],
		}

		// Keep the whole journey before now.
		baseTime := now.Add(-time.Duration(s.rnd.Int64N(int64(span))) - time.Hour)
		cumulative := time.Duration(0)

		for pageIndex, path := range journey {
			if pageIndex > 0 {
				cumulative += time.Duration(s.rnd.IntN(110)+10) * time.Second
			}
			e := base
			e.EventTime = baseTime.Add(cumulative)
			e.PagePath = path
			e.EventType = events.EventTypePageview
			if pageIndex == 0 {
				e.UTMSource, e.UTMMedium, e.UTMCampaign = utm.source, utm.medium, utm.campaign
			}
			if err := add(e); err != nil {
				return result, err
			}
		}

		if s.rnd.Float64() < 0.2 {
			goal := goalEvents[s.rnd.IntN(len(goalEvents))]
			value, err := json.Marshal(map[string]any{"name": goal.name, "meta": goal.metadata})
			if err != nil {
				return result, err
			}
			e := base
			e.EventTime = baseTime.Add(cumulative + time.Minute)
			e.PagePath = journey[len(journey)-1]
			e.EventType = events.EventTypeConversion
			e.EventValue = models.JSON(value)
			if err := add(e); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	s.Logger.Info("Seeding completed successfully",
		slog.Int("sessions", result.Sessions),
		slog.Int("accepted", result.Accepted),
		slog.Int("rejected", result.Rejected),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

func userHash(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("seed-user-%d", n)))
	return hex.EncodeToString(sum[:])
}
