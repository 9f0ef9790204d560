// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coupon"

var (
	// AdmissionTotal 按结果统计快速通道的准入决策: accepted / not_available / already_issued / internal_error
	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_total",
		Help:      "Admission decisions made by the gatekeeper, by result.",
	}, []string{"result"})

	AdmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "admission_duration_seconds",
		Help:      "Latency of a single admission attempt.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	// IssuanceTotal 按来源(scheduler/consumer)和结果统计落库
	IssuanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "issuance_total",
		Help:      "Issuance writer outcomes, by source and result.",
	}, []string{"source", "result"})

	SchedulerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_batch_size",
		Help:      "Number of queue entries drained per campaign per tick.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	SchedulerTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_ticks_skipped_total",
		Help:      "Ticks skipped because the previous tick was still running or the cluster lock was held elsewhere.",
	})

	// CounterSkew = 快速通道计数器 - 已持久化的发放数量
	CounterSkew = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "counter_skew",
		Help:      "Fast-path counter minus persisted issued quantity, per campaign.",
	}, []string{"campaign_id"})

	DeadLettersPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_published_total",
		Help:      "Dead-letter records published, by source and outcome.",
	}, []string{"source", "outcome"})

	DeadLettersObserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_observed_total",
		Help:      "Dead-letter records consumed by the observer.",
	})

	ConsumerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_retries_total",
		Help:      "Delayed re-submissions scheduled by the issuance consumer.",
	})
)
