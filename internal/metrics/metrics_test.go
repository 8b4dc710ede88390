package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("swapbot", prometheus.NewRegistry())

	m.IncSignal("bought")
	m.IncSignal("bought")
	m.IncExit("STOP_LOSS")
	m.SetOpenPositions(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.signals.WithLabelValues("bought")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("STOP_LOSS")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openPositions))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSignal("x")
		m.ObserveConfirmation("buy", "confirmed", 1)
		m.SetQueueDepth(1)
	})
}
