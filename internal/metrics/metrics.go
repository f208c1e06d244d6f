// Package metrics exposes Prometheus instrumentation for the refresh
// coordinator and the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshFetches counts completed fetches by outcome:
	// "ok", "error" or "discarded" (superseded generation).
	RefreshFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentwatch_refresh_fetches_total",
			Help: "View cache fetches by outcome",
		},
		[]string{"outcome"},
	)

	// RefreshCoalesced counts triggers that joined an in-flight fetch.
	RefreshCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incidentwatch_refresh_coalesced_total",
			Help: "Refresh triggers coalesced onto an in-flight fetch",
		},
	)

	// Subscriptions is the number of open view subscriptions.
	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "incidentwatch_refresh_subscriptions",
			Help: "Open view cache subscriptions",
		},
	)

	// IngestJobs counts finished ingestion jobs by terminal state:
	// "succeeded", "failed" or "superseded".
	IngestJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentwatch_ingest_jobs_total",
			Help: "Log ingestion jobs by terminal state",
		},
		[]string{"state"},
	)

	// MailboxAttachments counts attachments taken from the mailbox intake.
	MailboxAttachments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentwatch_mailbox_attachments_total",
			Help: "Mailbox log attachments by outcome",
		},
		[]string{"outcome"},
	)
)
