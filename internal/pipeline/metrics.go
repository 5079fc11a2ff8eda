package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/accesswatch/internal/model"
)

// Metric names.
const (
	MetricAppsProcessedTotal   = "accesswatch_apps_processed_total"
	MetricViolationsTotal      = "accesswatch_violations_total"
	MetricAlertDeliveriesTotal = "accesswatch_alert_deliveries_total"
	MetricKPIValue             = "accesswatch_kpi_value"
	MetricRunDurationSeconds   = "accesswatch_run_duration_seconds"
	MetricAppErrorsTotal       = "accesswatch_app_errors_total"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	appsProcessed *prometheus.CounterVec
	violations    *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	kpiValue      *prometheus.GaugeVec
	runDuration   prometheus.Histogram
	appErrors     *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		appsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppsProcessedTotal,
				Help: "Applications processed by status",
			},
			[]string{"status"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricViolationsTotal,
				Help: "Violation transitions by severity and state",
			},
			[]string{"severity", "state"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAlertDeliveriesTotal,
				Help: "Alert deliveries by channel and status",
			},
			[]string{"channel", "status"},
		),
		kpiValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricKPIValue,
				Help: "Latest computed KPI value per application",
			},
			[]string{"app_id", "kpi_name"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRunDurationSeconds,
				Help:    "Duration of one batch run in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		appErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppErrorsTotal,
				Help: "Per-application failures by error kind",
			},
			[]string{"kind"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.appsProcessed, m.violations, m.deliveries, m.kpiValue, m.runDuration, m.appErrors}
}

func (m *Metrics) appDone(status string) {
	if m != nil {
		m.appsProcessed.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) violation(v model.Violation) {
	if m != nil {
		m.violations.WithLabelValues(string(v.Severity), string(v.State)).Inc()
	}
}

func (m *Metrics) delivery(channel, status string) {
	if m != nil {
		m.deliveries.WithLabelValues(channel, status).Inc()
	}
}

func (m *Metrics) kpi(r model.KPIRecord) {
	if m != nil {
		m.kpiValue.WithLabelValues(r.AppID, r.KPIName).Set(r.Value)
	}
}

func (m *Metrics) appError(kind string) {
	if m != nil {
		m.appErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) run(seconds float64) {
	if m != nil {
		m.runDuration.Observe(seconds)
	}
}
