// Package metrics exposes ledger observability over Prometheus and
// tracks hot-path call counters with luxfi/metric.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	metric "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PerpMetrics collects position ledger metrics.
type PerpMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Ledger metrics
	positionsIncreased prometheus.Counter
	positionsDecreased prometheus.Counter
	liquidations       prometheus.CounterVec
	fundingUpdates     prometheus.Counter
	openInterest       prometheus.GaugeVec
	poolAmount         prometheus.GaugeVec
	feeReserve         prometheus.GaugeVec
	globalShortSize    prometheus.GaugeVec
	callLatency        prometheus.Histogram

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// CallCounters tracks ledger operations with luxfi/metric counters.
type CallCounters struct {
	Increases    metric.Counter
	Decreases    metric.Counter
	Liquidations metric.Counter
	FundingTicks metric.Counter
}

// NewCallCounters creates the luxfi/metric counter set.
func NewCallCounters(reg metric.Registerer) *CallCounters {
	return &CallCounters{
		Increases:    metric.NewCounter("perp_increase_position"),
		Decreases:    metric.NewCounter("perp_decrease_position"),
		Liquidations: metric.NewCounter("perp_liquidate_position"),
		FundingTicks: metric.NewCounter("perp_funding_update"),
	}
}

// NewPerpMetrics creates and registers all ledger metrics.
func NewPerpMetrics(namespace string) (*PerpMetrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &PerpMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		positionsIncreased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_increased_total",
			Help:      "Total position increase calls committed",
		}),

		positionsDecreased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_decreased_total",
			Help:      "Total position decrease calls committed",
		}),

		liquidations: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total liquidations by kind",
		}, []string{"kind"}),

		fundingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_updates_total",
			Help:      "Total funding rate accruals",
		}),

		openInterest: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest_usd",
			Help:      "Open interest in USD by asset and side",
		}, []string{"asset", "side"}),

		poolAmount: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_amount",
			Help:      "Pool amount in native token units by asset",
		}, []string{"asset"}),

		feeReserve: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_reserve",
			Help:      "Fee reserve in native token units by asset",
		}, []string{"asset"}),

		globalShortSize: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_short_size_usd",
			Help:      "Aggregate short size in USD by asset",
		}, []string{"asset"}),

		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_microseconds",
			Help:      "Ledger call latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.positionsIncreased,
		m.positionsDecreased,
		m.liquidations,
		m.fundingUpdates,
		m.openInterest,
		m.poolAmount,
		m.feeReserve,
		m.globalShortSize,
		m.callLatency,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("ledger metrics initialized", "namespace", namespace)
	return m, nil
}

// StartServer exposes /metrics on the given port.
func (m *PerpMetrics) StartServer(port string) error {
	m.logger.Info("starting metrics server", "port", port)

	http.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()

	return nil
}

// RecordIncrease records a committed position increase.
func (m *PerpMetrics) RecordIncrease() {
	m.positionsIncreased.Inc()
}

// RecordDecrease records a committed position decrease.
func (m *PerpMetrics) RecordDecrease() {
	m.positionsDecreased.Inc()
}

// RecordLiquidation records a liquidation by kind ("hard" or "soft").
func (m *PerpMetrics) RecordLiquidation(kind string) {
	m.liquidations.WithLabelValues(kind).Inc()
}

// RecordFundingUpdate records a funding accrual.
func (m *PerpMetrics) RecordFundingUpdate() {
	m.fundingUpdates.Inc()
}

// RecordCallLatency records a ledger call duration.
func (m *PerpMetrics) RecordCallLatency(microseconds float64) {
	m.callLatency.Observe(microseconds)
}

// UpdateOpenInterest updates the open interest gauge for one side of a market.
func (m *PerpMetrics) UpdateOpenInterest(asset, side string, usd float64) {
	m.openInterest.WithLabelValues(asset, side).Set(usd)
}

// UpdatePoolState updates per-asset pool gauges.
func (m *PerpMetrics) UpdatePoolState(asset string, pool, fees float64) {
	m.poolAmount.WithLabelValues(asset).Set(pool)
	m.feeReserve.WithLabelValues(asset).Set(fees)
}

// UpdateGlobalShortSize updates the short aggregate gauge.
func (m *PerpMetrics) UpdateGlobalShortSize(asset string, usd float64) {
	m.globalShortSize.WithLabelValues(asset).Set(usd)
}

// CollectSystemMetrics samples runtime stats until the context ends.
func (m *PerpMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
