// Package metrics instruments the forwarder with Prometheus counters and
// gauges, registered against a dedicated registry so /metrics exposes only
// this module's series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exposes the counters and gauges the Application updates from
// the Forwarder and Supervisor hooks and from its tick loop.
type Recorder struct {
	Registry *prometheus.Registry

	MessagesForwarded  *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	EndpointPromotions *prometheus.CounterVec
	ConnectedGauge     *prometheus.GaugeVec
	ActionFailures     *prometheus.CounterVec
}

// New builds a Recorder with its own registry, so callers control exactly
// what gets exposed on /metrics instead of inheriting prometheus' global
// default registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		Registry: reg,
		MessagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Name:      "messages_forwarded_total",
			Help:      "Messages relayed between the host and subordinate buses.",
		}, []string{"controller_id", "direction"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Name:      "reconnects_total",
			Help:      "Successful reconnects of a Bus Client side after its first connect.",
		}, []string{"controller_id", "side"}),
		EndpointPromotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Name:      "endpoint_promotions_total",
			Help:      "Times the Supervisor switched a subordinate to a different endpoint.",
		}, []string{"controller_id"}),
		ConnectedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forwarder",
			Name:      "connected",
			Help:      "Whether a Bus Client side is currently connected (1) or not (0).",
		}, []string{"controller_id", "side"}),
		ActionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Name:      "action_failures_total",
			Help:      "Queued actions that failed or did not complete within their timeout.",
		}, []string{"controller_id", "action"}),
	}

	reg.MustRegister(r.MessagesForwarded, r.Reconnects, r.EndpointPromotions, r.ConnectedGauge, r.ActionFailures)
	return r
}

// RecordForward increments the forwarded-message counter for id/direction.
func (r *Recorder) RecordForward(controllerID, direction string) {
	r.MessagesForwarded.WithLabelValues(controllerID, direction).Inc()
}

// RecordConnected sets the connected gauge for controllerID/side.
func (r *Recorder) RecordConnected(controllerID, side string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	r.ConnectedGauge.WithLabelValues(controllerID, side).Set(v)
}

// RecordReconnect increments the reconnect counter for controllerID/side.
func (r *Recorder) RecordReconnect(controllerID, side string) {
	r.Reconnects.WithLabelValues(controllerID, side).Inc()
}

// RecordPromotion increments the endpoint-promotion counter for controllerID.
func (r *Recorder) RecordPromotion(controllerID string) {
	r.EndpointPromotions.WithLabelValues(controllerID).Inc()
}

// RecordActionFailure increments the action-failure counter for
// controllerID/action.
func (r *Recorder) RecordActionFailure(controllerID, action string) {
	r.ActionFailures.WithLabelValues(controllerID, action).Inc()
}
