package idem

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/metrics"
)

// Option 协调器初始化选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	tracer trace.TracerProvider
	now    func() time.Time

	store       Store
	db          db.DB
	redisConn   connector.RedisConnector
	dynamoAPI   DynamoDBAPI
	dynamoTable string
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
			o.logger = logger.WithNamespace("idem")
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

// WithTracer 设置 TracerProvider，nil 时使用全局 Provider
func WithTracer(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp
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

// WithStore 注入自定义存储，忽略 Config.Driver
func WithStore(store Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithDB 注入 db 组件（DriverDB）
func WithDB(database db.DB) Option {
	return func(o *options) {
		o.db = database
	}
}

// WithRedisConnector 注入 Redis 连接器（DriverRedis）
func WithRedisConnector(conn connector.RedisConnector) Option {
	return func(o *options) {
		if conn != nil {
			o.redisConn = conn
		}
	}
}

// WithDynamoDBConnector 注入 DynamoDB 连接器（DriverDynamoDB），表名取自连接器配置
func WithDynamoDBConnector(conn connector.DynamoDBConnector) Option {
	return func(o *options) {
		if conn != nil && conn.GetClient() != nil {
			o.dynamoAPI = conn.GetClient()
			o.dynamoTable = conn.Table()
		}
	}
}

// WithDynamoDBClient 直接注入满足 DynamoDBAPI 的客户端
func WithDynamoDBClient(api DynamoDBAPI, table string) Option {
	return func(o *options) {
		o.dynamoAPI = api
		o.dynamoTable = table
	}
}

// ========================================
// Begin 选项
// ========================================

// BeginOption Begin 调用选项
type BeginOption func(*beginOptions)

type beginOptions struct {
	expiresAt  time.Time
	ttl        time.Duration
	workflowID string
}

// WithExpiry 指定记录的绝对过期时间，优先于 WithTTL
func WithExpiry(t time.Time) BeginOption {
	return func(o *beginOptions) {
		o.expiresAt = t
	}
}

// WithTTL 覆盖 Config.DefaultTTL
func WithTTL(d time.Duration) BeginOption {
	return func(o *beginOptions) {
		o.ttl = d
	}
}

// WithWorkflowInstance 关联工作流实例 ID
func WithWorkflowInstance(id string) BeginOption {
	return func(o *beginOptions) {
		o.workflowID = id
	}
}

// ========================================
// 中间件 / 拦截器选项
// ========================================

// MiddlewareOption Gin 中间件选项
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	headerKey  string
	beginOpts  []BeginOption
	maxBodyLen int64
}

// WithHeaderKey 设置幂等键的 HTTP 头名称，默认 "X-Idempotency-Key"
func WithHeaderKey(headerKey string) MiddlewareOption {
	return func(o *middlewareOptions) {
		if headerKey != "" {
			o.headerKey = headerKey
		}
	}
}

// WithMiddlewareBeginOptions 为中间件发起的 Begin 追加选项
func WithMiddlewareBeginOptions(opts ...BeginOption) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.beginOpts = append(o.beginOpts, opts...)
	}
}

// WithMaxRequestBody 限制作为 requestPayload 保存的请求体大小，默认 64KiB
//
// handler 仍然读到完整的请求体，这里不限制读入内存的大小。
func WithMaxRequestBody(n int64) MiddlewareOption {
	return func(o *middlewareOptions) {
		if n > 0 {
			o.maxBodyLen = n
		}
	}
}

// InterceptorOption gRPC 拦截器选项
type InterceptorOption func(*interceptorOptions)

type interceptorOptions struct {
	metadataKey string
	beginOpts   []BeginOption
}

// WithMetadataKey 设置幂等键的 metadata 键名，默认 "x-idempotency-key"
func WithMetadataKey(metadataKey string) InterceptorOption {
	return func(o *interceptorOptions) {
		if metadataKey != "" {
			o.metadataKey = metadataKey
		}
	}
}

// WithInterceptorBeginOptions 为拦截器发起的 Begin 追加选项
func WithInterceptorBeginOptions(opts ...BeginOption) InterceptorOption {
	return func(o *interceptorOptions) {
		o.beginOpts = append(o.beginOpts, opts...)
	}
}
