// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションストア、レジストリ、推論クライアントから利用する。
type MetricsCollector interface {
	RecordSessionRefresh(outcome string)
	RecordStaleRefreshDiscarded()
	RecordAuthEvent(event string)
	SetActiveSessions(n int)
	RecordInferenceRequest(endpoint, outcome string)
	RecordInferenceLatency(endpoint string, duration time.Duration)
	RecordUpstreamStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionRefresh   *prometheus.CounterVec
	staleDiscarded   prometheus.Counter
	authEvents       *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	inferenceReqs    *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	upstreamStatus   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medhive_session_refresh_total",
			Help: "セッションストア更新の結果別件数",
		}, []string{"outcome"}),
		staleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medhive_session_refresh_stale_total",
			Help: "後続のイベントにより破棄された古い更新結果の件数",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medhive_auth_events_total",
			Help: "認証状態変化イベントの種別ごとの件数",
		}, []string{"event"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medhive_browser_sessions_active",
			Help: "メモリ上に保持しているブラウザセッション数",
		}),
		inferenceReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medhive_inference_requests_total",
			Help: "推論エンドポイント呼び出しの結果別件数",
		}, []string{"endpoint", "outcome"}),
		inferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medhive_inference_latency_seconds",
			Help:    "推論エンドポイントのレイテンシ（秒）",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medhive_upstream_http_status_total",
			Help: "外部エンドポイントのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionRefresh,
		c.staleDiscarded,
		c.authEvents,
		c.activeSessions,
		c.inferenceReqs,
		c.inferenceLatency,
		c.upstreamStatus,
	)

	return c
}

// RecordSessionRefresh はセッションストア更新の結果を記録する。
func (c *Collector) RecordSessionRefresh(outcome string) {
	c.sessionRefresh.WithLabelValues(outcome).Inc()
}

// RecordStaleRefreshDiscarded は破棄された古い更新結果を記録する。
func (c *Collector) RecordStaleRefreshDiscarded() {
	c.staleDiscarded.Inc()
}

// RecordAuthEvent は認証状態変化イベントを記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// SetActiveSessions は保持中のブラウザセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordInferenceRequest は推論エンドポイント呼び出しの結果を記録する。
func (c *Collector) RecordInferenceRequest(endpoint, outcome string) {
	c.inferenceReqs.WithLabelValues(endpoint, outcome).Inc()
}

// RecordInferenceLatency は推論エンドポイントのレイテンシを記録する。
func (c *Collector) RecordInferenceLatency(endpoint string, duration time.Duration) {
	c.inferenceLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordUpstreamStatus は外部エンドポイントのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSessionRefresh(string)                  {}
func (Nop) RecordStaleRefreshDiscarded()                 {}
func (Nop) RecordAuthEvent(string)                       {}
func (Nop) SetActiveSessions(int)                        {}
func (Nop) RecordInferenceRequest(string, string)        {}
func (Nop) RecordInferenceLatency(string, time.Duration) {}
func (Nop) RecordUpstreamStatus(int)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
