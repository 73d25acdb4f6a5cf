package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync counters exported by Engine.
type Metrics struct {
	EventsRouted  *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	PushState     *prometheus.GaugeVec
	Reconnects    prometheus.Counter
	PollRequests  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_routed_total",
			Help:      "Envelopes applied to local state, by event type and transport.",
		}, []string{"event_type", "source"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Envelopes not applied, by reason.",
		}, []string{"reason"}),
		PushState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "push_state",
			Help:      "1 for the current push channel state.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "push_reconnects_total",
			Help:      "Scheduled push reconnect attempts.",
		}),
		PollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "poll_requests_total",
			Help:      "Long-poll requests, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsRouted, m.EventsDropped, m.PushState, m.Reconnects, m.PollRequests)
	}
	return m
}

func (m *Metrics) setPushState(state ConnState) {
	for _, s := range []ConnState{StateDisconnected, StateConnecting, StateConnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PushState.WithLabelValues(string(s)).Set(v)
	}
}
