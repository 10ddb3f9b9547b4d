package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the vote pipeline. The registerer is injected by the
// composition root so tests can use a private registry.
type Metrics struct {
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsInFlight  *prometheus.GaugeVec

	VotesConfirmed prometheus.Counter
	VotesFailed    prometheus.Counter
}

// New registers the pipeline metrics on reg. A nil registerer yields working
// but unregistered collectors, which is what unit tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedvote",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue",
		}, []string{"kind"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedvote",
			Name:      "jobs_completed_total",
			Help:      "Jobs finished successfully",
		}, []string{"kind"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedvote",
			Name:      "jobs_retried_total",
			Help:      "Job attempts that ended in a retryable failure",
		}, []string{"kind"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedvote",
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached the failed state",
		}, []string{"kind"}),
		JobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sealedvote",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing",
		}, []string{"kind"}),
		VotesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedvote",
			Name:      "votes_confirmed_total",
			Help:      "Vote records that reached the confirmed state",
		}),
		VotesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedvote",
			Name:      "votes_failed_total",
			Help:      "Vote records that reached the failed state",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsEnqueued, m.JobsCompleted, m.JobsRetried, m.JobsFailed,
			m.JobsInFlight, m.VotesConfirmed, m.VotesFailed,
		)
	}
	return m
}
