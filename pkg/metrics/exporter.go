package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/queue"
)

// Exporter derives Prometheus metrics from the queue store on scrape. No
// background loop: every scrape sees a consistent snapshot.
type Exporter struct {
	store     *queue.Store
	startedAt time.Time

	jobs        *prometheus.Desc
	attempts    *prometheus.Desc
	paused      *prometheus.Desc
	avgDuration *prometheus.Desc
	uptime      *prometheus.Desc
	overallPct  *prometheus.Desc
}

// NewExporter creates an exporter for the store.
func NewExporter(store *queue.Store) *Exporter {
	return &Exporter{
		store:     store,
		startedAt: time.Now(),
		jobs: prometheus.NewDesc(
			"vidforge_jobs",
			"Number of jobs by status",
			[]string{"status"}, nil,
		),
		attempts: prometheus.NewDesc(
			"vidforge_attempts_total",
			"Total backend attempts started across all jobs",
			nil, nil,
		),
		paused: prometheus.NewDesc(
			"vidforge_queue_paused",
			"Whether the queue is paused (1) or dispatching (0)",
			nil, nil,
		),
		avgDuration: prometheus.NewDesc(
			"vidforge_attempt_duration_seconds_avg",
			"Mean duration of successful attempts",
			nil, nil,
		),
		uptime: prometheus.NewDesc(
			"vidforge_uptime_seconds",
			"Seconds since the exporter was created",
			nil, nil,
		),
		overallPct: prometheus.NewDesc(
			"vidforge_progress_percent_avg",
			"Mean progress percent across all jobs",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.jobs
	ch <- e.attempts
	ch <- e.paused
	ch <- e.avgDuration
	ch <- e.uptime
	ch <- e.overallPct
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.store.Snapshot()

	for _, status := range models.KnownStatuses() {
		ch <- prometheus.MustNewConstMetric(
			e.jobs, prometheus.GaugeValue,
			float64(snap.Counts[status]), string(status),
		)
	}

	var pctSum float64
	for _, job := range snap.Jobs {
		switch job.Status {
		case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled:
			pctSum += 100
		default:
			pctSum += job.Progress.Percent
		}
	}
	ch <- prometheus.MustNewConstMetric(e.attempts, prometheus.CounterValue, float64(e.store.TotalAttempts()))

	pausedVal := 0.0
	if snap.Paused {
		pausedVal = 1
	}
	ch <- prometheus.MustNewConstMetric(e.paused, prometheus.GaugeValue, pausedVal)

	ch <- prometheus.MustNewConstMetric(
		e.avgDuration, prometheus.GaugeValue,
		e.store.AverageDuration().Seconds(),
	)
	ch <- prometheus.MustNewConstMetric(
		e.uptime, prometheus.GaugeValue,
		time.Since(e.startedAt).Seconds(),
	)

	avgPct := 0.0
	if len(snap.Jobs) > 0 {
		avgPct = pctSum / float64(len(snap.Jobs))
	}
	ch <- prometheus.MustNewConstMetric(e.overallPct, prometheus.GaugeValue, avgPct)
}

// Handler returns an HTTP handler serving this exporter on a dedicated
// registry, so tests and multiple daemons never collide on the global one.
func (e *Exporter) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(e)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
