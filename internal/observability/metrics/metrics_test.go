package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matches(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != want {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestMetricsRecordObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TurnCompleted("triage_nurse", "completed", 250*time.Millisecond)
	m.TurnCompleted("triage_nurse", "completed", time.Second)
	m.TurnCompleted("", "failed", time.Second)
	m.EventPublished("token")
	m.SubscriberDropped()
	m.BookingRecorded("booked")
	m.MoveOfferRecorded("PENDING")

	assert.Equal(t, 2.0, counterValue(t, reg, "pearlflow_turn_total", map[string]string{"agent": "triage_nurse", "outcome": "completed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pearlflow_turn_total", map[string]string{"agent": "unknown", "outcome": "failed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pearlflow_events_published_total", map[string]string{"type": "token"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pearlflow_events_subscriber_dropped_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "pearlflow_scheduling_bookings_total", map[string]string{"outcome": "booked"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pearlflow_scheduling_move_offers_total", map[string]string{"status": "PENDING"}))

	families, err := reg.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "pearlflow_turn_latency_seconds" {
			for _, metric := range mf.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(3), samples)
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.TurnCompleted("a", "completed", time.Second)
	m.EventPublished("token")
	m.SubscriberDropped()
	m.BookingRecorded("booked")
	m.MoveOfferRecorded("PENDING")
}
