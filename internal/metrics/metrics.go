package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_scheduled_total",
			Help: "Total emails admitted for delivery",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	QuotaDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_deferrals_total",
			Help: "Total dispatch attempts pushed to the next hour by the sender quota",
		},
	)

	EnqueueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueue_failures_total",
			Help: "Total persisted emails whose job could not be enqueued",
		},
	)

	JobsReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_reconciled_total",
			Help: "Total jobs re-created by the orphan sweep",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsScheduled)
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(QuotaDeferrals)
	prometheus.MustRegister(EnqueueFailures)
	prometheus.MustRegister(JobsReconciled)
}
