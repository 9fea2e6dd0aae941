package saga

import (
	"time"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/metrics"
)

// Option 台账初始化选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	db     db.DB
	now    func() time.Time
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger 设置 Logger
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("saga")
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

// WithDB 注入 db 组件（DriverDB）
func WithDB(database db.DB) Option {
	return func(o *options) {
		o.db = database
	}
}

// WithNowFunc 替换时钟，用于测试
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
