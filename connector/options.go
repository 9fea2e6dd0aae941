package connector

import (
	"context"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/metrics"
)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 连接器选项
type Option func(*options)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// connMetrics 所有连接器共用的连接指标
type connMetrics struct {
	attempts metrics.Counter
	active   metrics.Gauge
}

func newConnMetrics(m metrics.Meter) *connMetrics {
	attempts, err := m.Counter("connector_connect_total", "Number of connector connect attempts")
	if err != nil {
		attempts, _ = metrics.Discard().Counter("", "")
	}
	active, err := m.Gauge("connector_active", "Whether the connector is currently connected")
	if err != nil {
		active, _ = metrics.Discard().Gauge("", "")
	}
	return &connMetrics{attempts: attempts, active: active}
}

func (m *connMetrics) connected(ctx context.Context, kind, name string, err error) {
	result := metrics.OutcomeSuccess
	if err != nil {
		result = metrics.OutcomeError
	}
	m.attempts.Inc(ctx, metrics.L("connector", kind), metrics.L("name", name), metrics.L("result", result))
	if err == nil {
		m.active.Set(ctx, 1, metrics.L("connector", kind), metrics.L("name", name))
	}
}

func (m *connMetrics) closed(kind, name string) {
	m.active.Set(context.Background(), 0, metrics.L("connector", kind), metrics.L("name", name))
}
