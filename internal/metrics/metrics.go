package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"histmarket/internal/market"
)

// Metrics 汇总缓存维护的 Prometheus 指标，所有指标按交易对打标签。
type Metrics struct {
	registry *prometheus.Registry

	NodesBuilt     *prometheus.CounterVec
	CandlesPushed  *prometheus.CounterVec
	RawReads       *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	LastPushTime   *prometheus.GaugeVec
	TopLevelNodes  *prometheus.GaugeVec
	IntegrityOK    *prometheus.GaugeVec
	RefreshDur     *prometheus.HistogramVec
	RefreshErrors  *prometheus.CounterVec
}

// New 在独立的 Registry 上注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		NodesBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histmarket_nodes_built_total",
			Help: "Combined nodes built from lower levels",
		}, []string{"symbol", "interval"}),
		CandlesPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histmarket_candles_pushed_total",
			Help: "Bottom candles pushed into the tree",
		}, []string{"symbol"}),
		RawReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histmarket_raw_reads_total",
			Help: "Raw price points read from CSV",
		}, []string{"symbol"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histmarket_raw_cache_evictions_total",
			Help: "Raw price points evicted from the cache",
		}, []string{"symbol"}),
		LastPushTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmarket_last_push_time_seconds",
			Help: "Start time of the most recently pushed candle",
		}, []string{"symbol"}),
		TopLevelNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmarket_top_level_nodes",
			Help: "Week nodes held in memory",
		}, []string{"symbol"}),
		IntegrityOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmarket_integrity_ok",
			Help: "1 if the last integrity check passed",
		}, []string{"symbol"}),
		RefreshDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "histmarket_refresh_duration_seconds",
			Help:    "Duration of one refresh run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"symbol"}),
		RefreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histmarket_refresh_errors_total",
			Help: "Refresh steps that failed",
		}, []string{"symbol", "step"}),
	}

	m.registry.MustRegister(
		m.NodesBuilt,
		m.CandlesPushed,
		m.RawReads,
		m.CacheEvictions,
		m.LastPushTime,
		m.TopLevelNodes,
		m.IntegrityOK,
		m.RefreshDur,
		m.RefreshErrors,
	)

	return m
}

// Hooks 返回绑定到交易对的 market 回调。
func (m *Metrics) Hooks(symbol string) market.Hooks {
	return market.Hooks{
		OnNodeBuilt: func(interval market.Interval) {
			m.NodesBuilt.WithLabelValues(symbol, interval.String()).Inc()
		},
		OnCandlePushed: func(t int64) {
			m.CandlesPushed.WithLabelValues(symbol).Inc()
			m.LastPushTime.WithLabelValues(symbol).Set(float64(t) / 1000)
		},
		OnRawRead: func() {
			m.RawReads.WithLabelValues(symbol).Inc()
		},
		OnCacheEvict: func(evicted int) {
			m.CacheEvictions.WithLabelValues(symbol).Add(float64(evicted))
		},
	}
}

// ObserveRefresh 记录一次刷新耗时与结果。
func (m *Metrics) ObserveRefresh(symbol string, started time.Time, topLevel int, integrity error) {
	m.RefreshDur.WithLabelValues(symbol).Observe(time.Since(started).Seconds())
	m.TopLevelNodes.WithLabelValues(symbol).Set(float64(topLevel))
	if integrity == nil {
		m.IntegrityOK.WithLabelValues(symbol).Set(1)
	} else {
		m.IntegrityOK.WithLabelValues(symbol).Set(0)
	}
}

// RefreshFailed 计数失败的刷新步骤。
func (m *Metrics) RefreshFailed(symbol, step string) {
	m.RefreshErrors.WithLabelValues(symbol, step).Inc()
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
