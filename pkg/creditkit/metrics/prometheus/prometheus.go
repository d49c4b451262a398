package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// Metrics implements creditkit.Metrics using Prometheus.
type Metrics struct {
	ledgerWritesTotal    *prometheus.CounterVec
	ledgerWriteAmount    *prometheus.HistogramVec
	balanceCheckDuration *prometheus.HistogramVec
	transitionsTotal     *prometheus.CounterVec
	overageCreditsTotal  *prometheus.CounterVec
	topupSuppressedTotal *prometheus.CounterVec
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ledgerWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_writes_total",
			Help:      "Total number of ledger write attempts.",
		}, []string{"key", "type", "success"}),

		ledgerWriteAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_write_amount",
			Help:      "Distribution of absolute ledger write amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 10000},
		}, []string{"key", "type"}),

		balanceCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "balance_check_duration_seconds",
			Help:      "Latency of balance reads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Total number of classified subscription transitions.",
		}, []string{"kind"}),

		overageCreditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overage_credits_total",
			Help:      "Total overage credits for which a charge was requested.",
		}, []string{"key"}),

		topupSuppressedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topup_suppressed_total",
			Help:      "Total number of top-up retries blocked by the cooldown policy.",
		}, []string{"key", "decline_type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordLedgerWrite(key string, txType creditkit.TxType, amount int64, success bool) {
	m.ledgerWritesTotal.WithLabelValues(key, string(txType), strconv.FormatBool(success)).Inc()
	if success {
		if amount < 0 {
			amount = -amount
		}
		m.ledgerWriteAmount.WithLabelValues(key, string(txType)).Observe(float64(amount))
	}
}

func (m *Metrics) RecordBalanceCheck(key string, duration time.Duration) {
	m.balanceCheckDuration.WithLabelValues(key).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(kind creditkit.TransitionKind) {
	m.transitionsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordOverageCharge(key string, credits int64) {
	m.overageCreditsTotal.WithLabelValues(key).Add(float64(credits))
}

func (m *Metrics) RecordTopupSuppressed(key string, declineType creditkit.DeclineType) {
	m.topupSuppressedTotal.WithLabelValues(key, string(declineType)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
