// Package metrics exposes Prometheus instrumentation for the port and
// device managers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts submissions by outcome ("resolved",
	// "rejected") per port.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialfleet_requests_total",
		Help: "Total requests submitted to port managers, by outcome",
	}, []string{"port", "outcome"})

	// StatusTransitions counts Port Manager status changes by the
	// name of the status transitioned into (portmgr.Status.String()).
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialfleet_port_status_transitions_total",
		Help: "Total Port Manager status transitions, by resulting status",
	}, []string{"port", "status"})

	// Reconnects counts reconnect-loop re-entries per port.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialfleet_port_reconnects_total",
		Help: "Total reconnect attempts per port",
	}, []string{"port"})

	// IdentificationFailures counts failed identification probes per port.
	IdentificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialfleet_identification_failures_total",
		Help: "Total failed identification probes, by port",
	}, []string{"port"})

	// QueueDepth is the current number of pending requests on a port.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "serialfleet_queue_depth",
		Help: "Current pending request count per port",
	}, []string{"port"})

	// ConnectedDevices is the current number of identities resolvable
	// to a Port Manager.
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serialfleet_connected_devices",
		Help: "Current number of devices resolvable to a port",
	})
)

// Outcome labels for RequestsTotal.
const (
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
)

// IncRequest records a completed submission outcome for a port.
func IncRequest(port, outcome string) {
	RequestsTotal.WithLabelValues(port, outcome).Inc()
}

// IncStatusTransition records a Port Manager status change.
func IncStatusTransition(port, status string) {
	StatusTransitions.WithLabelValues(port, status).Inc()
}

// IncReconnect records a reconnect-loop re-entry.
func IncReconnect(port string) {
	Reconnects.WithLabelValues(port).Inc()
}

// IncIdentificationFailure records a failed identification probe.
func IncIdentificationFailure(port string) {
	IdentificationFailures.WithLabelValues(port).Inc()
}

// SetQueueDepth sets the current pending request count for a port.
func SetQueueDepth(port string, depth int) {
	QueueDepth.WithLabelValues(port).Set(float64(depth))
}

// SetConnectedDevices sets the current number of resolvable devices.
func SetConnectedDevices(count int) {
	ConnectedDevices.Set(float64(count))
}
