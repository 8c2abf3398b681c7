package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 身份指标
	BotsRegistered prometheus.Counter
	BotsClaimed    prometheus.Counter
	HandlesReserved prometheus.Counter

	// 邮件指标
	EmailsSent      *prometheus.CounterVec
	EmailsInbound   prometheus.Counter
	InboundDropped  *prometheus.CounterVec
	QuotaRejections prometheus.Counter

	// 信任工作流指标
	FlagsCreated  prometheus.Counter
	FlagsApplied  *prometheus.CounterVec
	FlagsRejected prometheus.Counter
	BotsReinstated prometheus.Counter

	// 系统指标
	WebsocketConnections prometheus.Gauge
	PanicsTotal          prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		BotsRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_bots_registered_total",
				Help: "Total number of bots registered",
			},
		),

		BotsClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_bots_claimed_total",
				Help: "Total number of claim tokens redeemed",
			},
		),

		HandlesReserved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_handles_reserved_total",
				Help: "Total number of handles reserved",
			},
		),

		EmailsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmail_emails_sent_total",
				Help: "Total number of outbound emails recorded",
			},
			[]string{"verified"},
		),

		EmailsInbound: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_emails_inbound_total",
				Help: "Total number of inbound emails persisted",
			},
		),

		InboundDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmail_inbound_dropped_total",
				Help: "Total number of inbound emails dropped",
			},
			[]string{"reason"},
		),

		QuotaRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_quota_rejections_total",
				Help: "Total number of sends rejected by daily quota",
			},
		),

		FlagsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_flags_created_total",
				Help: "Total number of security flags created",
			},
		),

		FlagsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmail_flags_applied_total",
				Help: "Total number of security flags applied",
			},
			[]string{"status"},
		),

		FlagsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_flags_rejected_total",
				Help: "Total number of security flags rejected",
			},
		),

		BotsReinstated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_bots_reinstated_total",
				Help: "Total number of bots reinstated to normal",
			},
		),

		WebsocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botmail_websocket_connections",
				Help: "Current number of websocket connections",
			},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordEmailSent 记录一次出站发送
func (m *Metrics) RecordEmailSent(verified bool) {
	label := "false"
	if verified {
		label = "true"
	}
	m.EmailsSent.WithLabelValues(label).Inc()
}

// Handler 返回 Prometheus 指标端点处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
