package cleanup

import (
	"context"

	"github.com/ceyewan/sagaguard/metrics"
)

const (
	// MetricRunsTotal 清理执行次数 (Counter)，按触发源与结果区分
	MetricRunsTotal = "cleanup_runs_total"

	// MetricDeletedTotal 清理删除的记录数 (Counter)
	MetricDeletedTotal = "cleanup_deleted_total"
)

// 执行结果
const (
	ResultOK        = "ok"
	ResultContended = "contended"
	ResultError     = "error"
)

type schedulerMetrics struct {
	runs    metrics.Counter
	deleted metrics.Counter
}

func newSchedulerMetrics(m metrics.Meter) *schedulerMetrics {
	noop := metrics.Discard()
	sm := &schedulerMetrics{}

	var err error
	if sm.runs, err = m.Counter(MetricRunsTotal, "Cleanup runs by trigger and result"); err != nil {
		sm.runs, _ = noop.Counter("", "")
	}
	if sm.deleted, err = m.Counter(MetricDeletedTotal, "Expired idempotency records deleted"); err != nil {
		sm.deleted, _ = noop.Counter("", "")
	}
	return sm
}

func (m *schedulerMetrics) run(ctx context.Context, trigger, result string, deleted int64) {
	m.runs.Inc(ctx, metrics.L("trigger", trigger), metrics.L("result", result))
	if deleted > 0 {
		m.deleted.Add(ctx, float64(deleted))
	}
}
