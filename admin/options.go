package admin

import (
	"context"
	"time"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/metrics"
	"github.com/ceyewan/sagaguard/saga"
)

// Cleaner 同步清理入口，通常是 *cleanup.Scheduler
type Cleaner interface {
	RunNow(ctx context.Context) (int64, error)
}

// Option 服务选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	now     func() time.Time
	coord   idem.Coordinator
	ledger  saga.Ledger
	cleaner Cleaner
	checks  []connector.Connector
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

// WithLogger 设置 Logger，命名空间为 admin
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("admin")
		}
	}
}

// WithMeter 设置 Meter；/metrics 由它的 Handler 提供
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithCoordinator(c idem.Coordinator) Option {
	return func(o *options) { o.coord = c }
}

func WithLedger(l saga.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

func WithCleaner(c Cleaner) Option {
	return func(o *options) { o.cleaner = c }
}

// WithHealthChecks 注册 /healthz 需要探测的连接器
func WithHealthChecks(conns ...connector.Connector) Option {
	return func(o *options) {
		for _, c := range conns {
			if c != nil {
				o.checks = append(o.checks, c)
			}
		}
	}
}
