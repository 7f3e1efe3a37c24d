// Package metrics registers the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Constructing against
// an explicit registerer keeps independent engine instances (tests) from
// colliding in the default registry.
type Metrics struct {
	CandidatesProposed   prometheus.Counter
	ChainsProposed       prometheus.Counter
	SettlementsConcluded prometheus.Counter
	SettlementsFailed    prometheus.Counter
	Rollbacks            prometheus.Counter
	LockConflicts        prometheus.Counter
	ExternalCallSeconds  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CandidatesProposed: factory.NewCounter(prometheus.CounterOpts{
			Name: "compensa_candidates_proposed_total",
			Help: "Direct match candidates emitted by the finder",
		}),
		ChainsProposed: factory.NewCounter(prometheus.CounterOpts{
			Name: "compensa_chains_proposed_total",
			Help: "Multilateral chains emitted by the builder",
		}),
		SettlementsConcluded: factory.NewCounter(prometheus.CounterOpts{
			Name: "compensa_settlements_concluded_total",
			Help: "Matches and chains that reached concluded",
		}),
		SettlementsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "compensa_settlements_failed_total",
			Help: "Matches and chains that reached failed",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "compensa_ledger_rollbacks_total",
			Help: "Compensating transactions applied to the ledger",
		}),
		LockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "compensa_lock_conflicts_total",
			Help: "Reservation attempts rejected because a record was held",
		}),
		ExternalCallSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compensa_external_call_seconds",
			Help:    "Latency of government registration and ledger anchor calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"system", "outcome"}),
	}
}
