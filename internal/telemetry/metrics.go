// Package telemetry holds the Prometheus collectors of the outbox engine.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_tasks_queued_total", Help: "Tasks accepted by a queue",
	}, []string{"queue"})
	TasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_tasks_finished_total", Help: "Tasks that reached a terminal state",
	}, []string{"queue", "outcome"})
	TasksExecuting = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_tasks_executing", Help: "Tasks currently executing",
	}, []string{"queue"})
	PreemptionCandidates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_preemption_candidates_total", Help: "Times an executing attachment task was found less urgent than a newly queued one",
	})
	BackoffScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_backoff_scheduled_total", Help: "Retries scheduled with backoff",
	}, []string{"scheduler"})
	StatementSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "outbox_store_statement_seconds", Help: "Store statement execution time", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"tag"})
	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_attachment_bytes_uploaded_total", Help: "Ciphertext bytes acknowledged by the transport",
	})
	ChunksUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_attachment_chunks_uploaded_total", Help: "Attachment chunks acknowledged by the transport",
	})
)

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksQueued,
			TasksFinished,
			TasksExecuting,
			PreemptionCandidates,
			BackoffScheduled,
			StatementSeconds,
			BytesUploaded,
			ChunksUploaded,
		)
	})
}

// Handler exposes /metrics with the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
