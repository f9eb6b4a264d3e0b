package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"tally/internal/metrics"
)

func TestMetrics(t *testing.T) {
	t.Run("counts ingest outcomes", func(t *testing.T) {
		m := metrics.New(prometheus.NewRegistry())
		m.IngestAccepted(4)
		m.IngestRejected(1)
		m.IngestRejected(0)

		assert.Equal(t, 4.0, testutil.ToFloat64(m.IngestEvents.WithLabelValues("accepted")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestEvents.WithLabelValues("rejected")))
	})

	t.Run("labels rollup failures", func(t *testing.T) {
		m := metrics.New(prometheus.NewRegistry())
		m.ObserveRollup("1m", time.Now(), 12, nil)
		m.ObserveRollup("1m", time.Now(), 0, errors.New("boom"))

		assert.Equal(t, 1.0, testutil.ToFloat64(m.RollupRuns.WithLabelValues("1m", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RollupRuns.WithLabelValues("1m", "failure")))
		assert.Equal(t, 12.0, testutil.ToFloat64(m.RollupRows.WithLabelValues("1m")))
	})

	t.Run("nil metrics is a no-op", func(t *testing.T) {
		var m *metrics.Metrics
		assert.NotPanics(t, func() {
			m.IngestAccepted(1)
			m.ObserveRollup("5m", time.Now(), 1, nil)
			m.CacheResult("hit")
			m.JobSkipped("rollup_1m")
		})
	})
}
