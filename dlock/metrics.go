package dlock

import (
	"context"

	"github.com/ceyewan/sagaguard/metrics"
)

// Metrics 指标常量定义
const (
	// MetricLeaseAcquired 租约获取成功次数 (Counter)
	MetricLeaseAcquired = "dlock_lease_acquired_total"

	// MetricLeaseContended 租约被他人持有、获取未成功的次数 (Counter)
	MetricLeaseContended = "dlock_lease_contended_total"

	// MetricLeaseReleased 租约主动释放次数 (Counter)
	MetricLeaseReleased = "dlock_lease_released_total"

	// LabelBackend 后端类型标签
	LabelBackend = "backend"

	// LabelLock 锁名标签
	LabelLock = "lock"
)

type lockMetrics struct {
	backend   string
	acquired  metrics.Counter
	contended metrics.Counter
	released  metrics.Counter
}

func newLockMetrics(m metrics.Meter, backend string) *lockMetrics {
	noop := metrics.Discard()
	lm := &lockMetrics{backend: backend}

	var err error
	if lm.acquired, err = m.Counter(MetricLeaseAcquired, "Leases acquired"); err != nil {
		lm.acquired, _ = noop.Counter("", "")
	}
	if lm.contended, err = m.Counter(MetricLeaseContended, "Lease attempts lost to a live holder"); err != nil {
		lm.contended, _ = noop.Counter("", "")
	}
	if lm.released, err = m.Counter(MetricLeaseReleased, "Leases released early by their holder"); err != nil {
		lm.released, _ = noop.Counter("", "")
	}
	return lm
}

func (m *lockMetrics) labels(name string) []metrics.Label {
	return []metrics.Label{metrics.L(LabelBackend, m.backend), metrics.L(LabelLock, name)}
}

func (m *lockMetrics) acquire(ctx context.Context, name string, won bool) {
	if won {
		m.acquired.Inc(ctx, m.labels(name)...)
		return
	}
	m.contended.Inc(ctx, m.labels(name)...)
}
