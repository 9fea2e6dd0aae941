// Package idem 提供幂等协调器，保证带副作用的任务处理器对同一幂等键至多执行一次。
//
// 协调器把每个幂等键建模为一条状态单调的记录：
//
//	PROCESSING ──Complete──▶ COMPLETED
//	     └───────Fail──────▶ FAILED
//
// Begin 通过一次原子的"不存在则插入"决定当前调用者是否获得执行权：
// 插入成功返回 Proceed；已完成的记录返回 Replay 及缓存的响应；
// 处理中或已失败的记录返回 Conflict。Begin 从不阻塞、从不内部重试。
//
// 后端可配置：memory（单机）、db（GORM：SQLite / MySQL / PostgreSQL）、redis、dynamodb。
//
// ## 基本使用
//
//	coord, _ := idem.New(&idem.Config{Driver: idem.DriverDB},
//		idem.WithDB(database), idem.WithLogger(logger), idem.WithMeter(meter))
//
//	d, err := coord.Begin(ctx, "claim:submit:42", "SUBMIT_CLAIM", payload)
//	switch d.Outcome {
//	case idem.OutcomeProceed:
//		resp, err := submit(ctx)
//		if err != nil {
//			_ = coord.Fail(ctx, "claim:submit:42", err.Error())
//			return err
//		}
//		_ = coord.Complete(ctx, "claim:submit:42", resp)
//	case idem.OutcomeReplay:
//		return d.Response
//	case idem.OutcomeConflict:
//		// 其他调用者正在处理或已失败，由上层决定是否换键重试
//	}
//
// 也可以直接使用 Execute、GinMiddleware 或 UnaryServerInterceptor。
package idem

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

// ========================================
// 数据模型
// ========================================

// Status 幂等记录状态
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal 终态不可再迁移
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record 一条幂等记录
type Record struct {
	Key                string     `json:"key"`
	OperationType      string     `json:"operation_type"`
	Status             Status     `json:"status"`
	RequestPayload     []byte     `json:"request_payload,omitempty"`
	ResponsePayload    []byte     `json:"response_payload,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
	WorkflowInstanceID string     `json:"workflow_instance_id,omitempty"`
	RetryCount         int        `json:"retry_count"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.RequestPayload = cloneBytes(r.RequestPayload)
	c.ResponsePayload = cloneBytes(r.ResponsePayload)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Outcome Begin 的决策结果
type Outcome string

const (
	// OutcomeProceed 调用者获得执行权，必须随后调用 Complete 或 Fail
	OutcomeProceed Outcome = "proceed"
	// OutcomeReplay 记录已完成，Decision.Response 为缓存的响应
	OutcomeReplay Outcome = "replay"
	// OutcomeConflict 记录处理中或已失败，Decision.Status 说明是哪一种
	OutcomeConflict Outcome = "conflict"
)

// Decision Begin 的返回值
type Decision struct {
	Outcome  Outcome
	Response []byte
	Status   Status
}

// ========================================
// 接口定义
// ========================================

// Coordinator 幂等协调器，所有方法并发安全
type Coordinator interface {
	// Begin 原子地声明对 key 的执行权
	// key 为空返回 ErrKeyEmpty；Conflict 是决策结果而不是错误
	Begin(ctx context.Context, key, operationType string, requestPayload []byte, opts ...BeginOption) (Decision, error)

	// Complete 将 PROCESSING 记录迁移到 COMPLETED 并保存响应
	// 记录不存在返回 ErrNotFound，已是终态返回 ErrInvalidTransition
	Complete(ctx context.Context, key string, responsePayload []byte) error

	// Fail 将 PROCESSING 记录迁移到 FAILED 并保存错误信息
	Fail(ctx context.Context, key, errorMessage string) error

	// CleanupExpired 删除 expiresAt < now 的记录（不区分状态），返回删除数量
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)

	// FindStuck 返回 createdAt < now - processingTimeout 的 PROCESSING 记录，只读
	FindStuck(ctx context.Context, processingTimeout time.Duration, now time.Time) ([]*Record, error)

	// Get 读取记录，不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (*Record, error)

	// IncrementRetry 为 PROCESSING 记录的 retryCount 加一，返回新值
	IncrementRetry(ctx context.Context, key string) (int, error)

	// Execute 以 Begin → fn → Complete/Fail 的方式执行 fn
	// Replay 时返回缓存的响应；Conflict 时返回包装了 ErrConflict 的错误
	Execute(ctx context.Context, key, operationType string, requestPayload []byte,
		fn func(ctx context.Context) ([]byte, error), opts ...BeginOption) ([]byte, error)

	// GinMiddleware 基于请求头 X-Idempotency-Key 的 HTTP 幂等中间件
	GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc

	// UnaryServerInterceptor 基于 metadata x-idempotency-key 的 gRPC 一元拦截器
	UnaryServerInterceptor(opts ...InterceptorOption) grpc.UnaryServerInterceptor
}

// ========================================
// 工厂函数
// ========================================

// New 创建幂等协调器
//
// 各驱动所需的依赖：
//   - DriverMemory: 无
//   - DriverDB: WithDB
//   - DriverRedis: WithRedisConnector
//   - DriverDynamoDB: WithDynamoDBConnector 或 WithDynamoDBClient
//
// 也可以通过 WithStore 注入自定义 Store，此时忽略 Driver。
func New(cfg *Config, opts ...Option) (Coordinator, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)

	store, err := buildStore(cfg, opt)
	if err != nil {
		return nil, err
	}

	if cfg.Breaker.Enabled {
		store = newBreakerStore(store, &cfg.Breaker, opt.logger)
	}

	var cache *replayCache
	if cfg.Cache.Enabled {
		cache, err = newReplayCache(cfg.Cache.MaxSize)
		if err != nil {
			return nil, err
		}
	}

	opt.logger.Info("creating idem coordinator",
		clog.String("driver", string(cfg.Driver)),
		clog.Duration("default_ttl", cfg.DefaultTTL),
		clog.Bool("cache", cfg.Cache.Enabled),
		clog.Bool("breaker", cfg.Breaker.Enabled))

	return newCoordinator(cfg, store, cache, opt), nil
}

func buildStore(cfg *Config, opt *options) (Store, error) {
	if opt.store != nil {
		return opt.store, nil
	}

	switch cfg.Driver {
	case DriverMemory:
		return newMemoryStore(), nil
	case DriverDB:
		if opt.db == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "db driver requires WithDB")
		}
		return newGormStore(opt.db), nil
	case DriverRedis:
		if opt.redisConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "redis driver requires WithRedisConnector")
		}
		return newRedisStore(opt.redisConn, cfg.Prefix, cfg.ScanPageSize), nil
	case DriverDynamoDB:
		if opt.dynamoAPI == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "dynamodb driver requires WithDynamoDBConnector or WithDynamoDBClient")
		}
		return newDynamoStore(opt.dynamoAPI, opt.dynamoTable, cfg.ScanPageSize), nil
	default:
		return nil, xerrors.Wrapf(ErrInvalidConfig, "unsupported driver: %s", cfg.Driver)
	}
}
