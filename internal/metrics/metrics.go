// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// チケットライフサイクル・ゲートウェイ・通知の各インターフェースを満たす。
type Collector struct {
	ticketsIssued      *prometheus.CounterVec
	duplicateDelivery  prometheus.Counter
	webhookRejected    *prometheus.CounterVec
	accountsCreated    prometheus.Counter
	gatewayErrors      *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	httpResponses      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticketsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_tickets_issued_total",
			Help: "発行したチケットの合計数（経路別）",
		}, []string{"path"}),
		duplicateDelivery: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_webhook_duplicate_deliveries_total",
			Help: "発行済みコードの再配信として吸収したWebhookの合計数",
		}),
		webhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_webhook_rejected_total",
			Help: "拒否したWebhookの合計数（理由別）",
		}, []string{"reason"}),
		accountsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_accounts_created_total",
			Help: "作成したアカウントの合計数",
		}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_errors_total",
			Help: "外部ゲートウェイ呼び出しの失敗数",
		}, []string{"gateway", "op"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portal_gateway_latency_seconds",
			Help:    "外部ゲートウェイ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway", "op"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_notifications_total",
			Help: "通知の送信結果別の合計数",
		}, []string{"outcome"}),
		httpResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_http_responses_total",
			Help: "HTTPレスポンスの合計数（ルート・ステータス別）",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		c.ticketsIssued,
		c.duplicateDelivery,
		c.webhookRejected,
		c.accountsCreated,
		c.gatewayErrors,
		c.gatewayLatency,
		c.notificationsTotal,
		c.httpResponses,
	)

	return c
}

// RecordTicketIssued はチケット発行を記録する。
func (c *Collector) RecordTicketIssued(path string) {
	c.ticketsIssued.WithLabelValues(path).Inc()
}

// RecordDuplicateDelivery は重複配信の吸収を記録する。
func (c *Collector) RecordDuplicateDelivery() {
	c.duplicateDelivery.Inc()
}

// RecordWebhookRejected はWebhookの拒否を記録する。
func (c *Collector) RecordWebhookRejected(reason string) {
	c.webhookRejected.WithLabelValues(reason).Inc()
}

// RecordAccountCreated はアカウント作成を記録する。
func (c *Collector) RecordAccountCreated() {
	c.accountsCreated.Inc()
}

// RecordGatewayCall はゲートウェイ呼び出しのレイテンシと失敗を記録する。
func (c *Collector) RecordGatewayCall(gateway, op string, duration time.Duration, err error) {
	c.gatewayLatency.WithLabelValues(gateway, op).Observe(duration.Seconds())
	if err != nil {
		c.gatewayErrors.WithLabelValues(gateway, op).Inc()
	}
}

// RecordNotification は通知の送信結果を記録する。
func (c *Collector) RecordNotification(outcome string) {
	c.notificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPResponse はHTTPレスポンスのステータスを記録する。
func (c *Collector) RecordHTTPResponse(route string, status int) {
	c.httpResponses.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
