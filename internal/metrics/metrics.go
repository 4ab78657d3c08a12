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
// 貸出台帳、延滞スキャンワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	IncRetry(op string)
	SetOverdueLoans(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	overdueLoans prometheus.Gauge
	httpStatus   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booklend_ledger_operations_total",
			Help: "貸出台帳の操作数（操作種別・結果別）",
		}, []string{"op", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booklend_ledger_retries_total",
			Help: "競合による貸出台帳操作の再試行数",
		}, []string{"op"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "booklend_ledger_operation_duration_seconds",
			Help:    "貸出台帳操作の所要時間（秒、再試行を含む）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		overdueLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "booklend_overdue_loans",
			Help: "直近のスキャンで検出した延滞中の貸出数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booklend_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.operations,
		c.retries,
		c.opLatency,
		c.overdueLoans,
		c.httpStatus,
	)

	return c
}

// ObserveOperation は台帳操作の結果と所要時間を記録する。
func (c *Collector) ObserveOperation(op, outcome string, elapsed time.Duration) {
	c.operations.WithLabelValues(op, outcome).Inc()
	c.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// IncRetry は競合による再試行を記録する。
func (c *Collector) IncRetry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

// SetOverdueLoans は延滞中の貸出数を設定する。
func (c *Collector) SetOverdueLoans(count int) {
	c.overdueLoans.Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerサブコマンドなど、APIルーターを持たないプロセスで使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
