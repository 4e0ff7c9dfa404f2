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
// バインディング、ハンドラー、ワーカーから利用する。
type MetricsCollector interface {
	RecordLiveBindingActivated()
	RecordLiveBindingDeactivated()
	RecordSnapshot(count int)
	RecordWriteFailure(op string)
	RecordAuthAttempt(method, result string)
	RecordHTTPStatus(statusCode int)
	RecordSessionsCleaned(count int64)
	RecordCleanupLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	liveBindings    prometheus.Gauge
	snapshots       prometheus.Counter
	snapshotSize    prometheus.Histogram
	writeFailures   *prometheus.CounterVec
	authAttempts    *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	sessionsCleaned prometheus.Counter
	cleanupLatency  prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		liveBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "todoman_live_bindings",
			Help: "有効なライブクエリバインディングの数",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todoman_snapshots_total",
			Help: "バインディングに適用されたスナップショットの合計数",
		}),
		snapshotSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "todoman_snapshot_size",
			Help:    "スナップショットに含まれるTODOの件数",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_write_failures_total",
			Help: "操作別のTODO書き込み失敗数",
		}, []string{"op"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_auth_attempts_total",
			Help: "ログイン方法と結果別の認証試行数",
		}, []string{"method", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todoman_sessions_cleaned_total",
			Help: "削除された期限切れセッションの合計数",
		}),
		cleanupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "todoman_cleanup_latency_seconds",
			Help:    "期限切れセッション削除のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.liveBindings,
		c.snapshots,
		c.snapshotSize,
		c.writeFailures,
		c.authAttempts,
		c.httpStatus,
		c.sessionsCleaned,
		c.cleanupLatency,
	)

	return c
}

// RecordLiveBindingActivated はバインディングの有効化を記録する。
func (c *Collector) RecordLiveBindingActivated() {
	c.liveBindings.Inc()
}

// RecordLiveBindingDeactivated はバインディングの無効化を記録する。
func (c *Collector) RecordLiveBindingDeactivated() {
	c.liveBindings.Dec()
}

// RecordSnapshot はスナップショットの適用を記録する。
func (c *Collector) RecordSnapshot(count int) {
	c.snapshots.Inc()
	c.snapshotSize.Observe(float64(count))
}

// RecordWriteFailure は書き込み失敗を記録する。opはcreate, update, deleteのいずれか。
func (c *Collector) RecordWriteFailure(op string) {
	c.writeFailures.WithLabelValues(op).Inc()
}

// RecordAuthAttempt は認証試行を記録する。
// methodはpassword, register, google, facebook、resultはsuccessまたはfailure。
func (c *Collector) RecordAuthAttempt(method, result string) {
	c.authAttempts.WithLabelValues(method, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned は削除したセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// RecordCleanupLatency はセッション削除のレイテンシを記録する。
func (c *Collector) RecordCleanupLatency(duration time.Duration) {
	c.cleanupLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
