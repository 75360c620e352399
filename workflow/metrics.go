package workflow

import (
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	TicketsTotal    *prometheus.CounterVec
	RunsInFlight    prometheus.Gauge
	QueueDepth      prometheus.Gauge
	ResyncsTotal    *prometheus.CounterVec
	WorkbookBytes   prometheus.Histogram
	StaleRunsFailed prometheus.Counter
}

// NewMetrics creates the pipeline collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qc_report_runs_total",
				Help: "Report runs by terminal status and error code",
			},
			[]string{"mode", "status", "error_code"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qc_report_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		TicketsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qc_alert_tickets_total",
				Help: "Alert dispatch outcomes",
			},
			[]string{"outcome"},
		),
		RunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qc_report_runs_in_flight",
				Help: "Runs currently executing in this process",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qc_report_queue_depth",
				Help: "Runs waiting for a background worker",
			},
		),
		ResyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qc_alert_resyncs_total",
				Help: "Alert resyncs by resulting report status",
			},
			[]string{"status"},
		),
		WorkbookBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qc_workbook_bytes",
				Help:    "Size of rendered workbooks",
				Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10),
			},
		),
		StaleRunsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qc_stale_runs_failed_total",
				Help: "In-flight runs failed by the sweeper after going quiet",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.StageDuration, m.TicketsTotal, m.RunsInFlight,
			m.QueueDepth, m.ResyncsTotal, m.WorkbookBytes, m.StaleRunsFailed)
	}
	return m
}

func (m *Metrics) observeStage(stage models.ReportStatus, started time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeRun(mode models.ReportMode, status models.ReportStatus, code string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(mode), string(status), code).Inc()
}

// ObserveTicket counts one dispatch outcome; it fits dispatch.Dispatcher.Observe.
func (m *Metrics) ObserveTicket(outcome string) {
	if m == nil {
		return
	}
	m.TicketsTotal.WithLabelValues(outcome).Inc()
}
