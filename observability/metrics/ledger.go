package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	opsTotal    *prometheus.CounterVec
	opsFailed   *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	eventsTotal *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rain_ledger_ops_total",
				Help: "Count of ledger operations attempted by name.",
			}, []string{"op"}),
			opsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rain_ledger_ops_failed_total",
				Help: "Count of ledger operations rejected or failed by name.",
			}, []string{"op"}),
			opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rain_ledger_op_duration_seconds",
				Help:    "Latency of ledger operations by name.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rain_ledger_events_total",
				Help: "Count of events appended to the ledger log by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.opsTotal,
			ledgerRegistry.opsFailed,
			ledgerRegistry.opDuration,
			ledgerRegistry.eventsTotal,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveOp(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.opsTotal.WithLabelValues(op).Inc()
	m.opDuration.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.opsFailed.WithLabelValues(op).Inc()
	}
}

func (m *LedgerMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}
