package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pearlflow"

// Metrics exposes counters/histograms for turns, the event bus and scheduling.
// It satisfies turn.Observer, events.Observer and scheduling.Observer.
type Metrics struct {
	turnTotal         *prometheus.CounterVec
	turnLatency       *prometheus.HistogramVec
	eventsPublished   *prometheus.CounterVec
	subscriberDropped prometheus.Counter
	bookingsTotal     *prometheus.CounterVec
	moveOffersTotal   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "total",
			Help:      "Processed turns by agent and outcome",
		}, []string{"agent", "outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "latency_seconds",
			Help:      "Wall time from dequeue to terminal event",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events appended to session logs by type",
		}, []string{"type"}),
		subscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscriber_dropped_total",
			Help:      "Stream subscribers dropped for falling behind",
		}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		moveOffersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "move_offers_total",
			Help:      "Move offers by lifecycle status",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnTotal, m.turnLatency, m.eventsPublished, m.subscriberDropped, m.bookingsTotal, m.moveOffersTotal)
	return m
}

func (m *Metrics) TurnCompleted(agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if agent == "" {
		agent = "unknown"
	}
	m.turnTotal.WithLabelValues(agent, outcome).Inc()
	m.turnLatency.WithLabelValues(agent).Observe(elapsed.Seconds())
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscriberDropped.Inc()
}

func (m *Metrics) BookingRecorded(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MoveOfferRecorded(status string) {
	if m == nil {
		return
	}
	m.moveOffersTotal.WithLabelValues(status).Inc()
}
