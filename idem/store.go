package idem

import (
	"context"
	"time"
)

// Store 幂等记录存储
//
// 每个方法都必须是存储侧的单次原子操作，协调器不做"先读后写"。
// 返回的 *Record 归调用方所有。
type Store interface {
	// Create 当 key 不存在时插入 rec，返回是否插入成功
	Create(ctx context.Context, rec *Record) (bool, error)

	// Get 读取记录，不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (*Record, error)

	// Finish 仅当记录为 PROCESSING 时迁移到终态，并写入响应 / 错误信息、
	// completedAt 与 updatedAt。返回迁移后的记录；未发生迁移返回 nil
	Finish(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error)

	// IncrementRetry 仅当记录为 PROCESSING 时 retryCount 加一，未发生更新返回 nil
	IncrementRetry(ctx context.Context, key string, now time.Time) (*Record, error)

	// DeleteExpired 删除 expiresAt < now 的记录
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// ListProcessingBefore 返回 createdAt < cutoff 的 PROCESSING 记录，按 createdAt 升序
	ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*Record, error)
}
