package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds the Prometheus series exported by the harness.
type PrometheusMetrics struct {
	RequestsTotal *prometheus.CounterVec
	SkipsTotal    *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec

	ResponseTime *prometheus.HistogramVec
	ResponseSize *prometheus.HistogramVec
	RPCLatency   *prometheus.HistogramVec

	ActiveUsers prometheus.Gauge
	TargetUsers prometheus.Gauge
	InFlightTxs prometheus.Gauge
	RunStatus   *prometheus.GaugeVec
}

// NewPrometheusMetrics creates and registers all series on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmload_requests_total",
				Help: "Task outcomes by category, name and result",
			},
			[]string{"category", "name", "result"},
		),

		SkipsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmload_skips_total",
				Help: "Task iterations skipped before submission, by reason",
			},
			[]string{"name", "reason"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmload_errors_total",
				Help: "Failed tasks by error class",
			},
			[]string{"name", "class"},
		),

		ResponseTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evmload_response_time_seconds",
				Help:    "Time from task start to confirmation or failure",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"name"},
		),

		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evmload_response_size_bytes",
				Help:    "Receipt size of confirmed transactions",
				Buckets: prometheus.ExponentialBuckets(256, 2, 6),
			},
			[]string{"name"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evmload_rpc_latency_seconds",
				Help:    "JSON-RPC call latency by method",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status"},
		),

		ActiveUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "evmload_active_users",
				Help: "Load users currently running",
			},
		),

		TargetUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "evmload_target_users",
				Help: "Number of users the load pattern asks for",
			},
		),

		InFlightTxs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "evmload_inflight_transactions",
				Help: "Broadcast transactions awaiting a receipt",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evmload_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),
	}
}

// knownRPCMethods caps the method label to what the harness actually calls.
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_getBalance":            true,
	"eth_getTransactionReceipt": true,
	"eth_call":                  true,
	"eth_chainId":               true,
	"eth_gasPrice":              true,
	"batch":                     true,
}

// ObserveRPC records one JSON-RPC call. Its signature matches rpc.ClientConfig.Observe.
func (m *PrometheusMetrics) ObserveRPC(method string, err error, elapsed time.Duration) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(elapsed.Seconds())
}

func (m *PrometheusMetrics) observeEvent(e Event, class string) {
	result := "success"
	if e.Err != nil {
		result = "failure"
		m.ErrorsTotal.WithLabelValues(e.Name, class).Inc()
	} else {
		m.ResponseSize.WithLabelValues(e.Name).Observe(float64(e.ResponseSize))
	}
	m.RequestsTotal.WithLabelValues(e.Category, e.Name, result).Inc()
	m.ResponseTime.WithLabelValues(e.Name).Observe(e.ResponseTime.Seconds())
}

// SetRunStatus flips the status gauges so exactly one is 1.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "starting", "running", "stopping", "completed", "error"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.RunStatus.WithLabelValues(s).Set(v)
	}
}

// SetUsers updates the active and target user gauges.
func (m *PrometheusMetrics) SetUsers(active, target int) {
	m.ActiveUsers.Set(float64(active))
	m.TargetUsers.Set(float64(target))
}

// Reset clears per-run series. Histograms are cumulative and keep their buckets.
func (m *PrometheusMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.SkipsTotal.Reset()
	m.ErrorsTotal.Reset()
	m.ActiveUsers.Set(0)
	m.TargetUsers.Set(0)
	m.InFlightTxs.Set(0)
	m.SetRunStatus("idle")
}
