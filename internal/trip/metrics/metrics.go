// Package metrics defines the Prometheus collectors exported by tripsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "tripsync"

const (
	subsystemSync = "sync"
	subsystemHub  = "hub"
)

var (
	// SnapshotsApplied counts remote snapshots that replaced local state.
	SnapshotsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystemSync,
		Name:      "snapshots_applied_total",
		Help:      "Remote snapshots applied to local state.",
	}, []string{"collection"})

	// SnapshotsRejected counts snapshots that were dropped, by reason.
	SnapshotsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystemSync,
		Name:      "snapshots_rejected_total",
		Help:      "Remote snapshots that were not applied.",
	}, []string{"collection", "reason"})

	// Writes counts remote writes by operation and outcome.
	Writes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystemSync,
		Name:      "writes_total",
		Help:      "Remote writes issued by collection synchronizers.",
	}, []string{"collection", "op", "result"})

	// State exposes the synchronizer state of each collection as a number.
	State = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystemSync,
		Name:      "state",
		Help:      "Synchronizer state (0=uninitialized 1=subscribing 2=synced 3=reconnecting 4=closed).",
	}, []string{"collection"})

	// HubClients is the number of connected broadcast clients.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystemHub,
		Name:      "clients",
		Help:      "Connected broadcast hub clients.",
	})

	// HubMessages counts messages relayed by the hub, by message type.
	HubMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystemHub,
		Name:      "messages_total",
		Help:      "Messages relayed by the broadcast hub.",
	}, []string{"type"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels a write outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
