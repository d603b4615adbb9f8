// Package metrics exposes the Prometheus instrumentation for the validator
// core: peer backpressure drops, BRB instance lifecycle, and admission
// verdicts. None of these counters participate in protocol correctness; they
// exist purely for operational visibility, mirroring the registry pattern of
// core/system_health_logging.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the Prometheus registry the validator registers against. A
// fresh registry is used (rather than prometheus.DefaultRegisterer)
// so multiple validator instances can coexist in one test binary.
var Registry = prometheus.NewRegistry()

var (
	// PeerOutboundDropped counts messages dropped because a peer's bounded
	// outbound queue was full at broadcast time.
	PeerOutboundDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_peer_outbound_dropped_total",
		Help: "Messages dropped on a peer's outbound queue due to backpressure.",
	}, []string{"peer"})

	// BrbInstancesActive tracks the number of BRB instances whose goroutine
	// is running. An instance is stopped only when the registry's LRU evicts
	// its fingerprint or the registry shuts down; reaching Committed or
	// Timeout does not stop it.
	BrbInstancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_brb_instances_active",
		Help: "Number of BRB instances not yet stopped by registry eviction or shutdown.",
	})

	// BrbCommits counts instances that reached Committed.
	BrbCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_brb_commits_total",
		Help: "Total BRB instances that reached Committed.",
	})

	// BrbTimeouts counts instances that reached the absorbing Timeout state.
	BrbTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_brb_timeouts_total",
		Help: "Total BRB instances that entered Timeout.",
	})

	// AdmissionResults counts admission verdicts by outcome.
	AdmissionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_admission_results_total",
		Help: "Transaction admission verdicts by outcome.",
	}, []string{"verdict"})
)

func init() {
	Registry.MustRegister(PeerOutboundDropped, BrbInstancesActive, BrbCommits, BrbTimeouts, AdmissionResults)
}
