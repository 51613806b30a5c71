// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Collector はPrometheusメトリクスを収集する実装。
// workshop.SaveObserver、assistant.CallObserver、dedupe.DeletionObserver、
// middleware.RequestObserverを満たす。
type Collector struct {
	saves          *prometheus.CounterVec
	saveLatency    prometheus.Histogram
	savesCoalesced prometheus.Counter
	sessionLoads   *prometheus.CounterVec

	assistantCalls   *prometheus.CounterVec
	assistantLatency *prometheus.HistogramVec

	dedupeDeletions *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_saves_total",
			Help: "遅延保存の実行回数（結果別）",
		}, []string{"outcome"}),
		saveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workshop_save_latency_seconds",
			Help:    "遅延保存1回のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		savesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_saves_coalesced_total",
			Help: "待機中の保存にまとめられた変更の数",
		}),
		sessionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_session_loads_total",
			Help: "セッション読み込みの回数（結果別）",
		}, []string{"outcome"}),
		assistantCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_assistant_calls_total",
			Help: "AI API呼び出しの回数（プロバイダー・結果別）",
		}, []string{"provider", "outcome"}),
		assistantLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workshop_assistant_latency_seconds",
			Help:    "AI API呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"provider"}),
		dedupeDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_dedupe_deletions_total",
			Help: "重複セッション削除の回数（結果別）",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_http_requests_total",
			Help: "HTTPリクエスト数（メソッド・ルート・ステータス別）",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workshop_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		reg: reg,
	}

	reg.MustRegister(
		c.saves,
		c.saveLatency,
		c.savesCoalesced,
		c.sessionLoads,
		c.assistantCalls,
		c.assistantLatency,
		c.dedupeDeletions,
		c.httpRequests,
		c.httpLatency,
	)

	return c
}

// RegisterActiveStores はメモリ上のStore数を返すゲージを登録する。
func (c *Collector) RegisterActiveStores(count func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "workshop_active_stores",
		Help: "メモリ上に保持しているユーザーごとのStoreの数",
	}, func() float64 {
		return float64(count())
	}))
}

// ObserveSave は遅延保存の結果を記録する。
func (c *Collector) ObserveSave(duration time.Duration, err error) {
	c.saves.WithLabelValues(outcomeOf(err)).Inc()
	c.saveLatency.Observe(duration.Seconds())
}

// ObserveCoalesced は待機中の保存に変更がまとめられたことを記録する。
func (c *Collector) ObserveCoalesced() {
	c.savesCoalesced.Inc()
}

// ObserveSessionLoad はセッション読み込みの結果を記録する。
// outcome: success, not_found, superseded, failure
func (c *Collector) ObserveSessionLoad(outcome string) {
	c.sessionLoads.WithLabelValues(outcome).Inc()
}

// ObserveAssistantCall はAI API呼び出しの結果を記録する。
func (c *Collector) ObserveAssistantCall(provider, outcome string, duration time.Duration) {
	c.assistantCalls.WithLabelValues(provider, outcome).Inc()
	c.assistantLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveDedupeDeletion は重複セッション削除の結果を記録する。
func (c *Collector) ObserveDedupeDeletion(err error) {
	c.dedupeDeletions.WithLabelValues(outcomeOf(err)).Inc()
}

// ObserveHTTPRequest はHTTPリクエストの結果を記録する。
func (c *Collector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

func outcomeOf(err error) string {
	if err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewRegistry はGoランタイムとプロセスのメトリクスを含むレジストリを生成する。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
