// Package saga 提供补偿台账，保证每个 (工作流实例, 补偿类型) 的补偿动作至多执行一次。
//
// 回滚逻辑在执行补偿前调用 IsPerformed，执行后调用 Record；
// 也可以用 Compensate 一步完成"检查 → 执行 → 记录"。
// 同一对键重复 Record 时以最后一次写入为准。
//
// ## 基本使用
//
//	ledger, _ := saga.New(&saga.Config{Driver: saga.DriverDB}, saga.WithDB(database))
//
//	ran, err := ledger.Compensate(ctx, "wf-42", "VOID_CLAIM", "CLM-1", "eligibility rejected",
//		func(ctx context.Context) error { return claims.Void(ctx, "CLM-1") })
package saga

import (
	"context"
	"time"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

// Record 一条补偿记录
type Record struct {
	WorkflowInstanceID string    `json:"workflow_instance_id"`
	CompensationType   string    `json:"compensation_type"`
	EntityID           string    `json:"entity_id,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Success            bool      `json:"success"`
	Timestamp          time.Time `json:"timestamp"`
}

// Statistics 台账汇总
type Statistics struct {
	Total        int64            `json:"total"`
	ByType       map[string]int64 `json:"by_type"`
	SuccessCount int64            `json:"success_count"`
	FailureCount int64            `json:"failure_count"`
}

// Ledger 补偿台账，所有方法并发安全
type Ledger interface {
	// IsPerformed 该实例的该类补偿是否已有记录（不论成功与否）
	IsPerformed(ctx context.Context, workflowInstanceID, compensationType string) (bool, error)

	// Record 原子地写入或覆盖补偿记录
	Record(ctx context.Context, workflowInstanceID, compensationType, entityID, reason string, success bool) error

	// History 按时间顺序返回某个实例的全部补偿记录
	History(ctx context.Context, workflowInstanceID string) ([]*Record, error)

	// ByType 按时间顺序返回某类补偿的全部记录
	ByType(ctx context.Context, compensationType string) ([]*Record, error)

	// Clear 删除某个实例的全部记录，返回删除数量
	Clear(ctx context.Context, workflowInstanceID string) (int64, error)

	// Statistics 返回台账汇总
	Statistics(ctx context.Context) (*Statistics, error)

	// Compensate 未执行过时运行 fn 并记录结果，返回 fn 是否被执行以及 fn 的错误
	Compensate(ctx context.Context, workflowInstanceID, compensationType, entityID, reason string,
		fn func(ctx context.Context) error) (bool, error)
}

// store 驱动需要实现的存储操作
type store interface {
	upsert(ctx context.Context, rec *Record) error
	exists(ctx context.Context, workflowInstanceID, compensationType string) (bool, error)
	listByInstance(ctx context.Context, workflowInstanceID string) ([]*Record, error)
	listByType(ctx context.Context, compensationType string) ([]*Record, error)
	deleteInstance(ctx context.Context, workflowInstanceID string) (int64, error)
	statistics(ctx context.Context) (*Statistics, error)
}

// New 创建补偿台账
//
//   - DriverMemory: 无依赖
//   - DriverDB: WithDB，表 sg_compensation_records
func New(cfg *Config, opts ...Option) (Ledger, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)

	var s store
	switch cfg.Driver {
	case DriverMemory:
		s = newMemoryStore()
	case DriverDB:
		if opt.db == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "db driver requires WithDB")
		}
		s = newGormStore(opt.db)
	}

	opt.logger.Info("creating compensation ledger", clog.String("driver", string(cfg.Driver)))
	return &ledger{
		store:   s,
		logger:  opt.logger,
		metrics: newLedgerMetrics(opt.meter),
		now:     opt.now,
	}, nil
}
