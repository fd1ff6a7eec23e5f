package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the service's Prometheus instruments. A nil *Set is valid
// and records nothing, mirroring how loggers are passed around here.
type Set struct {
	sseClients      prometheus.Gauge
	broadcasts      prometheus.Counter
	droppedClients  prometheus.Counter
	pollErrors      prometheus.Counter
	updatesDetected prometheus.Counter
	lineFailures    prometheus.Counter
}

func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aoidash_sse_clients",
			Help: "Currently connected dashboard event stream clients.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoidash_events_broadcast_total",
			Help: "Update events fanned out to connected clients.",
		}),
		droppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoidash_sse_clients_dropped_total",
			Help: "Clients reaped after a failed stream write.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoidash_poll_errors_total",
			Help: "Change-detection ticks skipped due to a store error.",
		}),
		updatesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoidash_updates_detected_total",
			Help: "Lines whose watermark advanced during polling.",
		}),
		lineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aoidash_line_aggregation_failures_total",
			Help: "Per-line aggregation failures substituted with a default view.",
		}),
	}
	reg.MustRegister(s.sseClients, s.broadcasts, s.droppedClients,
		s.pollErrors, s.updatesDetected, s.lineFailures)
	return s
}

func (s *Set) ClientConnected() {
	if s != nil {
		s.sseClients.Inc()
	}
}

func (s *Set) ClientGone() {
	if s != nil {
		s.sseClients.Dec()
	}
}

func (s *Set) Broadcast() {
	if s != nil {
		s.broadcasts.Inc()
	}
}

func (s *Set) ClientDropped() {
	if s != nil {
		s.droppedClients.Inc()
	}
}

func (s *Set) PollError() {
	if s != nil {
		s.pollErrors.Inc()
	}
}

func (s *Set) UpdateDetected(n int) {
	if s != nil && n > 0 {
		s.updatesDetected.Add(float64(n))
	}
}

func (s *Set) LineFailure() {
	if s != nil {
		s.lineFailures.Inc()
	}
}
