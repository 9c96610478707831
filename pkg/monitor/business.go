package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义业务监控指标
type BusinessMetrics struct {
	PaymentsSubmittedTotal *prometheus.CounterVec
	BatchesBroadcastTotal  prometheus.Counter
	BroadcastFailuresTotal *prometheus.CounterVec
	BatchSize              prometheus.Histogram
	BatchFeeRatioBps       prometheus.Histogram
	QueuedRequests         *prometheus.GaugeVec
	FeeOracleFallbackTotal prometheus.Counter
}

// Global Metrics Instance
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		PaymentsSubmittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_payments_submitted_total",
			Help: "The total number of submitted payment requests",
		}, []string{"outcome"}), // broadcast, queued, failed
		BatchesBroadcastTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batcher_batches_broadcast_total",
			Help: "The total number of broadcast batch transactions",
		}),
		BroadcastFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_broadcast_failures_total",
			Help: "Broadcast cycle failures by reason",
		}, []string{"reason"}), // build, submit, persistence
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "batcher_batch_size",
			Help:    "Number of payment requests combined per broadcast transaction",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
		}),
		BatchFeeRatioBps: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "batcher_batch_fee_ratio_bps",
			Help:    "Fee to amount ratio of broadcast batches in basis points",
			Buckets: []float64{10, 50, 100, 200, 300, 500, 800, 1300},
		}),
		QueuedRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batcher_queued_requests",
			Help: "Currently queued payment requests per wallet",
		}, []string{"wallet_id"}),
		FeeOracleFallbackTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batcher_fee_oracle_fallback_total",
			Help: "Times the fee oracle served a cached rate because the network had none",
		}),
	}
}
