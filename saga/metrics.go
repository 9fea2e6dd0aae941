package saga

import (
	"context"
	"strconv"

	"github.com/ceyewan/sagaguard/metrics"
)

const (
	// MetricRecordTotal 补偿记录写入次数 (Counter)
	MetricRecordTotal = "saga_compensation_recorded_total"

	// MetricSkippedTotal Compensate 因已执行而跳过的次数 (Counter)
	MetricSkippedTotal = "saga_compensation_skipped_total"
)

type ledgerMetrics struct {
	recorded metrics.Counter
	skipped  metrics.Counter
}

func newLedgerMetrics(m metrics.Meter) *ledgerMetrics {
	noop := metrics.Discard()
	lm := &ledgerMetrics{}

	var err error
	if lm.recorded, err = m.Counter(MetricRecordTotal, "Compensation records written by type and success"); err != nil {
		lm.recorded, _ = noop.Counter("", "")
	}
	if lm.skipped, err = m.Counter(MetricSkippedTotal, "Compensations skipped because they were already performed"); err != nil {
		lm.skipped, _ = noop.Counter("", "")
	}
	return lm
}

func (m *ledgerMetrics) record(ctx context.Context, compensationType string, success bool) {
	m.recorded.Inc(ctx, metrics.L("type", compensationType), metrics.L("success", strconv.FormatBool(success)))
}
