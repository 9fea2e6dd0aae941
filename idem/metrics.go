package idem

import (
	"context"
	"time"

	"github.com/ceyewan/sagaguard/metrics"
)

const (
	MetricBeginTotal      = "idem_begin_total"
	MetricTransitionTotal = "idem_transition_total"
	MetricCleanupDeleted  = "idem_cleanup_deleted_total"
	MetricStuckRecords    = "idem_stuck_records"
	MetricStoreDuration   = "idem_store_duration_seconds"
)

type coordMetrics struct {
	begins      metrics.Counter
	transitions metrics.Counter
	deleted     metrics.Counter
	stuck       metrics.Gauge
	storeTime   metrics.Histogram
}

func newCoordMetrics(m metrics.Meter) *coordMetrics {
	noop := metrics.Discard()
	cm := &coordMetrics{}

	var err error
	if cm.begins, err = m.Counter(MetricBeginTotal, "Begin decisions by outcome"); err != nil {
		cm.begins, _ = noop.Counter("", "")
	}
	if cm.transitions, err = m.Counter(MetricTransitionTotal, "Complete/Fail calls by result"); err != nil {
		cm.transitions, _ = noop.Counter("", "")
	}
	if cm.deleted, err = m.Counter(MetricCleanupDeleted, "Expired idempotency records deleted"); err != nil {
		cm.deleted, _ = noop.Counter("", "")
	}
	if cm.stuck, err = m.Gauge(MetricStuckRecords, "PROCESSING records older than the stuck timeout at the last scan"); err != nil {
		cm.stuck, _ = noop.Gauge("", "")
	}
	if cm.storeTime, err = m.Histogram(MetricStoreDuration, "Idempotency store call latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1})); err != nil {
		cm.storeTime, _ = noop.Histogram("", "")
	}
	return cm
}

func (m *coordMetrics) observeStore(ctx context.Context, op string, start time.Time) {
	m.storeTime.Record(ctx, time.Since(start).Seconds(), metrics.L("op", op))
}

func (m *coordMetrics) begin(ctx context.Context, outcome string) {
	m.begins.Inc(ctx, metrics.L("outcome", outcome))
}

func (m *coordMetrics) transition(ctx context.Context, op, result string) {
	m.transitions.Inc(ctx, metrics.L("op", op), metrics.L("result", result))
}
