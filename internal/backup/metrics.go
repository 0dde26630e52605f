package backup

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation names used as metric labels and audit actions
const (
	OpCreate   = "backup_create"
	OpList     = "backup_list"
	OpDelete   = "backup_delete"
	OpDownload = "backup_download"
	OpRestore  = "backup_restore"
	OpPreview  = "import_preview"
	OpImport   = "import_apply"
	OpSweep    = "scheduled_sweep"
)

// Metrics records operation outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	archiveBytes prometheus.Gauge
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_backup_operations_total",
				Help: "Total number of backup engine operations",
			},
			[]string{"operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenant_backup_operation_duration_seconds",
				Help:    "Backup engine operation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"operation"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_backup_step_failures_total",
				Help: "Archive steps that failed without aborting the archive",
			},
			[]string{"step"},
		),
		archiveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tenant_backup_last_archive_bytes",
			Help: "Size of the most recently written archive",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.stepFailures, m.archiveBytes)
	}
	return m
}

// Observe records one finished operation
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) StepFailed(step string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) ArchiveWritten(size int64) {
	if m == nil {
		return
	}
	m.archiveBytes.Set(float64(size))
}

// NewMetricsServer serves /metrics and /healthz on addr
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
