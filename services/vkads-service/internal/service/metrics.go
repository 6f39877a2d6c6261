package service

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type MetricsCollector interface {
	RunStarted(kind models.RunKind)
	RunFinished(kind models.RunKind, status models.TaskStatus, duration time.Duration)
	BannersDisabled(count int, dryRun bool)
	BudgetChanged(count int, dryRun bool)
	GroupsDuplicated(count int, dryRun bool)
	AccountFailed(kind models.RunKind)
	ObserveAPIRequest(endpoint string, status int, duration time.Duration)
}

type metricsCollector struct {
	runsTotal        *prometheus.CounterVec
	activeRuns       prometheus.Gauge
	runDuration      *prometheus.HistogramVec
	bannersDisabled  *prometheus.CounterVec
	budgetChanges    *prometheus.CounterVec
	groupsDuplicated *prometheus.CounterVec
	accountErrors    *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	apiDuration      *prometheus.HistogramVec
}

// NewMetricsCollector registers the service metrics on reg.
func NewMetricsCollector(reg prometheus.Registerer) MetricsCollector {
	f := promauto.With(reg)
	return &metricsCollector{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkads_runs_total",
				Help: "Finished runs by kind and final status",
			},
			[]string{"kind", "status"},
		),
		activeRuns: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vkads_active_runs",
				Help: "Runs currently executing",
			},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vkads_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
			},
			[]string{"kind"},
		),
		bannersDisabled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkads_banners_disabled_total",
				Help: "Banners disabled by rules",
			},
			[]string{"dry_run"},
		),
		budgetChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkads_budget_changes_total",
				Help: "Ad group budget changes",
			},
			[]string{"dry_run"},
		),
		groupsDuplicated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkads_groups_duplicated_total",
				Help: "Ad groups duplicated by scaling",
			},
			[]string{"dry_run"},
		),
		accountErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkads_account_errors_total",
				Help: "Accounts whose run step failed",
			},
			[]string{"kind"},
		),
		apiRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkads_api_requests_total",
				Help: "VK Ads API attempts by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),
		apiDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vkads_api_request_duration_seconds",
				Help:    "VK Ads API attempt latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}
}

func (m *metricsCollector) RunStarted(models.RunKind) {
	m.activeRuns.Inc()
}

func (m *metricsCollector) RunFinished(kind models.RunKind, status models.TaskStatus, duration time.Duration) {
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.runDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *metricsCollector) BannersDisabled(count int, dryRun bool) {
	m.bannersDisabled.WithLabelValues(strconv.FormatBool(dryRun)).Add(float64(count))
}

func (m *metricsCollector) BudgetChanged(count int, dryRun bool) {
	m.budgetChanges.WithLabelValues(strconv.FormatBool(dryRun)).Add(float64(count))
}

func (m *metricsCollector) GroupsDuplicated(count int, dryRun bool) {
	m.groupsDuplicated.WithLabelValues(strconv.FormatBool(dryRun)).Add(float64(count))
}

func (m *metricsCollector) AccountFailed(kind models.RunKind) {
	m.accountErrors.WithLabelValues(string(kind)).Inc()
}

func (m *metricsCollector) ObserveAPIRequest(endpoint string, status int, duration time.Duration) {
	m.apiRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

type nopMetrics struct{}

func (nopMetrics) RunStarted(models.RunKind) {}
func (nopMetrics) RunFinished(models.RunKind, models.TaskStatus, time.Duration) {}
func (nopMetrics) BannersDisabled(int, bool) {}
func (nopMetrics) BudgetChanged(int, bool) {}
func (nopMetrics) GroupsDuplicated(int, bool) {}
func (nopMetrics) AccountFailed(models.RunKind) {}
func (nopMetrics) ObserveAPIRequest(string, int, time.Duration) {}
