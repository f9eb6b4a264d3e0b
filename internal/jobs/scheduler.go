package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"tally/internal/metrics"
	"tally/internal/rollup"
)

// Aggregator runs one aggregation step for the window starting at ts.
type Aggregator interface {
	Aggregate(ctx context.Context, res rollup.Resolution, ts time.Time) (int, error)
}

// Job is one periodic aggregation tier. It fires Delay after every
// Resolution boundary and aggregates the window that just closed.
type Job struct {
	Resolution rollup.Resolution
	Delay      time.Duration
}

func (j Job) name() string {
	return "rollup_" + string(j.Resolution)
}

// next returns the first fire time strictly after now.
func (j Job) next(now time.Time) time.Time {
	return j.Resolution.Truncate(now.Add(-j.Delay)).Add(j.Resolution.Width() + j.Delay)
}

// window returns the start of the bucket that closed just before due.
func (j Job) window(due time.Time) time.Time {
	return j.Resolution.Truncate(due.Add(-j.Delay)).Add(-j.Resolution.Width())
}

// Scheduler is responsible for running the rollup jobs in the background
type Scheduler struct {
	aggregator Aggregator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	timeout    time.Duration
	jobs       []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTimeout bounds every tick.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithMetrics counts skipped and panicked ticks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(aggregator Aggregator, logger *slog.Logger, jobs []Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		aggregator: aggregator,
		logger:     logger,
		clock:      clockwork.NewRealClock(),
		timeout:    50 * time.Second,
		jobs:       jobs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultJobs returns the 1m, 5m and 1h tiers with the given delays.
func DefaultJobs(d1m, d5m, d1h time.Duration) []Job {
	return []Job{
		{Resolution: rollup.Res1m, Delay: d1m},
		{Resolution: rollup.Res5m, Delay: d5m},
		{Resolution: rollup.Res1h, Delay: d1h},
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("Background jobs already running.")
		return nil
	}
	for _, j := range s.jobs {
		if j.Resolution.Width() == 0 {
			return fmt.Errorf("jobs: unknown resolution %q", j.Resolution)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, j := range s.jobs {
		s.logger.Info("Starting rollup job",
			slog.String("job", j.name()),
			slog.Duration("interval", j.Resolution.Width()),
			slog.Duration("delay", j.Delay))
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

// Stop cancels in-flight ticks and waits for every job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping background jobs...")
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	var busy atomic.Bool
	for {
		now := s.clock.Now()
		due := j.next(now)
		timer := s.clock.NewTimer(due.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Rollup job stopped", slog.String("job", j.name()))
			return
		case <-timer.Chan():
		}

		window := j.window(due)
		if !busy.CompareAndSwap(false, true) {
			s.logger.Warn("Skipping tick - previous run still in progress",
				slog.String("job", j.name()),
				slog.Time("window", window))
			s.metrics.JobSkipped(j.name())
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer busy.Store(false)
			s.tick(ctx, j, window)
		}()
	}
}

// tick runs one aggregation step. Errors and panics are logged and the
// loop carries on; the window stays a gap until it is recomputed.
func (s *Scheduler) tick(ctx context.Context, j Job, window time.Time) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", j.name()),
				slog.Any("panic", r))
			s.metrics.JobPanicked(j.name())
		}
	}()

	rows, err := s.aggregator.Aggregate(ctx, j.Resolution, window)
	if err != nil {
		s.logger.Error("Error executing job",
			slog.String("job", j.name()),
			slog.Time("window", window),
			slog.Any("error", err))
		return
	}
	s.logger.Debug("Rollup tick complete",
		slog.String("job", j.name()),
		slog.Time("window", window),
		slog.Int("rows", rows))
}

// RunOnce aggregates the window of res containing ts, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context, res rollup.Resolution, ts time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.aggregator.Aggregate(ctx, res, res.Truncate(ts))
}
