package dlock

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/metrics"
)

// Option DLock 组件初始化选项函数
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	tracer trace.TracerProvider
	now    func() time.Time

	db        db.DB
	redisConn connector.RedisConnector
	etcdConn  connector.EtcdConnector
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

// WithLogger 注入日志记录器，命名空间为 dlock
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("dlock")
		}
	}
}

// WithMeter 注入指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithTracer 设置 TracerProvider，nil 时使用全局 Provider
func WithTracer(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp
	}
}

// WithNowFunc 替换时钟
// 对 memory 与 db 驱动生效；redis 与 etcd 的过期由服务端计时
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDB 注入 db 组件
func WithDB(database db.DB) Option {
	return func(o *options) {
		o.db = database
	}
}

// WithRedisConnector 注入 Redis 连接器
func WithRedisConnector(conn connector.RedisConnector) Option {
	return func(o *options) {
		if conn != nil {
			o.redisConn = conn
		}
	}
}

// WithEtcdConnector 注入 Etcd 连接器
func WithEtcdConnector(conn connector.EtcdConnector) Option {
	return func(o *options) {
		if conn != nil {
			o.etcdConn = conn
		}
	}
}
