// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 接続ハンドラ・ブローカー・IDプロバイダクライアント・ワーカーから利用する。
type MetricsCollector interface {
	ConnectionOpened(kind string)
	ConnectionClosed(kind string)
	RecordHandshake(outcome string)
	RecordMessagePersisted()
	EventPublished(kind string)
	DeliveryDropped(kind string)
	ObserveIdentityCall(endpoint, outcome string, d time.Duration)
	RecordMessagesDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	activeConnections *prometheus.GaugeVec
	handshakes        *prometheus.CounterVec
	messagesPersisted prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	identityLatency   *prometheus.HistogramVec
	messagesDeleted   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chathub_active_connections",
			Help: "接続中のWebSocket数（own: ユーザー接続, room: ルーム接続）",
		}, []string{"kind"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_handshakes_total",
			Help: "認証ハンドシェイクの結果別の合計数",
		}, []string{"outcome"}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chathub_messages_persisted_total",
			Help: "保存されたメッセージの合計数",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_events_published_total",
			Help: "発行されたイベントの種類別の合計数",
		}, []string{"kind"}),
		deliveriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_deliveries_dropped_total",
			Help: "送信キュー満杯により破棄された配信の合計数",
		}, []string{"kind"}),
		identityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chathub_identity_call_duration_seconds",
			Help:    "IDプロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "outcome"}),
		messagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chathub_messages_deleted_total",
			Help: "保持期間超過により削除されたメッセージの合計数",
		}),
	}

	reg.MustRegister(
		c.activeConnections,
		c.handshakes,
		c.messagesPersisted,
		c.eventsPublished,
		c.deliveriesDropped,
		c.identityLatency,
		c.messagesDeleted,
	)

	return c
}

// ConnectionOpened は接続数を増やす。
func (c *Collector) ConnectionOpened(kind string) {
	c.activeConnections.WithLabelValues(kind).Inc()
}

// ConnectionClosed は接続数を減らす。
func (c *Collector) ConnectionClosed(kind string) {
	c.activeConnections.WithLabelValues(kind).Dec()
}

// RecordHandshake はハンドシェイク結果（ok またはエラーコード）を記録する。
func (c *Collector) RecordHandshake(outcome string) {
	c.handshakes.WithLabelValues(outcome).Inc()
}

// RecordMessagePersisted はメッセージの保存を記録する。
func (c *Collector) RecordMessagePersisted() {
	c.messagesPersisted.Inc()
}

// EventPublished はイベントの発行を記録する。
func (c *Collector) EventPublished(kind string) {
	c.eventsPublished.WithLabelValues(kind).Inc()
}

// DeliveryDropped は配信の破棄を記録する。
func (c *Collector) DeliveryDropped(kind string) {
	c.deliveriesDropped.WithLabelValues(kind).Inc()
}

// ObserveIdentityCall はIDプロバイダ呼び出しのレイテンシを記録する。
func (c *Collector) ObserveIdentityCall(endpoint, outcome string, d time.Duration) {
	c.identityLatency.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// RecordMessagesDeleted は削除されたメッセージ数を記録する。
func (c *Collector) RecordMessagesDeleted(count int64) {
	c.messagesDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
