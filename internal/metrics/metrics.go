// Package metrics provides Prometheus metrics for the collab sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync core.
type Metrics struct {
	// CRDT document metrics
	UpdatesApplied prometheus.Counter
	UpdatesDropped prometheus.Counter

	// Peer transport metrics
	SyncRounds     prometheus.Counter
	PeerConnects   prometheus.Counter
	PeerReconnects prometheus.Counter
	PeersConnected prometheus.Gauge

	// Session authorizer metrics
	AuthGrants  prometheus.Counter
	AuthDenials *prometheus.CounterVec

	// Snapshot sync metrics
	SnapshotCommits  prometheus.Counter
	SnapshotFailures prometheus.Counter
}

// New creates and registers all metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_updates_applied_total",
			Help: "Total number of CRDT updates merged into the local replica",
		}),
		UpdatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_updates_dropped_total",
			Help: "Total number of malformed or incompatible updates discarded",
		}),
		SyncRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_sync_rounds_total",
			Help: "Total number of state-vector catch-up rounds completed",
		}),
		PeerConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_peer_connects_total",
			Help: "Total number of peer connections established",
		}),
		PeerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_peer_reconnects_total",
			Help: "Total number of peer reconnection attempts",
		}),
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_peers_connected",
			Help: "Number of peers currently connected",
		}),
		AuthGrants: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_auth_grants_total",
			Help: "Total number of session authorization grants issued",
		}),
		AuthDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_auth_denials_total",
			Help: "Total number of session authorization denials",
		}, []string{"reason"}),
		SnapshotCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_snapshot_commits_total",
			Help: "Total number of snapshots committed to the canonical store",
		}),
		SnapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_snapshot_failures_total",
			Help: "Total number of failed snapshot commits",
		}),
	}
}

// NewTest creates metrics on a private registry, for use in tests.
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}
