package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncrementCreated()
	m.IncrementCreated()
	m.IncrementLookup(true)
	m.IncrementLookup(false)
	m.IncrementLookup(false)
	m.IncrementStatus("closed", "advance")

	require.Equal(t, 2.0, testutil.ToFloat64(m.CasesCreated))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("hit")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Lookups.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StatusChanges.WithLabelValues("closed", "advance")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.IncrementCreated()
		m.IncrementRetry()
		m.IncrementLookup(true)
		m.IncrementThrottled()
		m.IncrementPurged()
	})
}
