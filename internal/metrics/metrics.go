package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monitor"

// 拉取失败的来源
const (
	SourceRoster  = "roster"
	SourceHistory = "history"
	SourceRelay   = "relay"
)

// Metrics 监控客户端指标（每个实例独立注册表）
type Metrics struct {
	registry *prometheus.Registry

	EventsApplied      *prometheus.CounterVec
	DecodeErrors       *prometheus.CounterVec
	ReconnectsTotal    prometheus.Counter
	FetchFailures      *prometheus.CounterVec
	RosterSize         prometheus.Gauge
	PatientsByStatus   *prometheus.GaugeVec
	AlertsActive       prometheus.Gauge
	ConnectionState    prometheus.Gauge
	AlertsRelayedTotal *prometheus.CounterVec
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_events_total",
				Help:      "Push events applied to the reconciler by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Push frames rejected by the decoder by error kind",
			},
			[]string{"kind"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_scheduled_total",
				Help:      "Reconnect attempts scheduled after an unexpected close",
			},
		),
		FetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_failures_total",
				Help:      "Failed pull requests by source",
			},
			[]string{"source"},
		),
		RosterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roster_patients",
				Help:      "Patients currently in the roster",
			},
		),
		PatientsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roster_patients_by_status",
				Help:      "Roster patients by status",
			},
			[]string{"status"},
		),
		AlertsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alerts_active",
				Help:      "Alerts currently in the session alert list",
			},
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Push channel state (0 idle, 1 connecting, 2 open, 3 closed)",
			},
		),
		AlertsRelayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_relayed_total",
				Help:      "Alerts republished to MQTT by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.EventsApplied,
		m.DecodeErrors,
		m.ReconnectsTotal,
		m.FetchFailures,
		m.RosterSize,
		m.PatientsByStatus,
		m.AlertsActive,
		m.ConnectionState,
		m.AlertsRelayedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRoster 更新名单相关的 gauge
func (m *Metrics) ObserveRoster(total, critical, warning, stable, unknown, alerts int) {
	m.RosterSize.Set(float64(total))
	m.PatientsByStatus.WithLabelValues("critical").Set(float64(critical))
	m.PatientsByStatus.WithLabelValues("warning").Set(float64(warning))
	m.PatientsByStatus.WithLabelValues("stable").Set(float64(stable))
	m.PatientsByStatus.WithLabelValues("unknown").Set(float64(unknown))
	m.AlertsActive.Set(float64(alerts))
}
