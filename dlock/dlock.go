// Package dlock 提供非阻塞的分布式租约锁。
//
// 租约在 now < LockedUntil 期间被持有；到期后任何实例都可以重新获取。
// TryAcquire 是一次原子的条件写，竞争失败返回 (nil, nil) 而不是错误，
// 内部不重试、不续约：租约时长应显著大于受保护任务的预期耗时。
//
// 支持的后端：memory（单机/测试）、db（GORM 表 sg_leases）、redis（SET NX PX）、etcd（Lease + Txn）。
//
// ## 基本使用
//
//	locker, _ := dlock.New(&dlock.Config{Driver: dlock.DriverDB}, dlock.WithDB(database))
//	lease, err := locker.TryAcquire(ctx, "idempotency-cleanup", holderID, 30*time.Minute)
//	if err != nil || lease == nil {
//		return err
//	}
//	defer locker.Release(ctx, "idempotency-cleanup", holderID)
package dlock

import (
	"context"
	"time"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

// Lease 一把已被持有的租约
type Lease struct {
	Name        string    `json:"name"`
	LockedBy    string    `json:"locked_by"`
	LockedAt    time.Time `json:"locked_at"`
	LockedUntil time.Time `json:"locked_until"`
}

// HeldAt 租约在 now 时刻是否仍被持有
func (l *Lease) HeldAt(now time.Time) bool {
	return l != nil && now.Before(l.LockedUntil)
}

// Locker 分布式租约锁
type Locker interface {
	// TryAcquire 租约不存在或已过期时原子地获取，成功返回租约，被他人持有返回 (nil, nil)
	TryAcquire(ctx context.Context, lockName, holderID string, leaseDuration time.Duration) (*Lease, error)

	// Release 提前释放租约；调用者不是当前持有者时什么也不做
	Release(ctx context.Context, lockName, holderID string) error

	// Get 返回当前有效的租约，不存在或已过期返回 ErrLeaseNotFound
	Get(ctx context.Context, lockName string) (*Lease, error)

	// Close 释放 Locker 自身持有的资源，不关闭连接器
	Close() error
}

// backend 各驱动实现的原子操作，now 由上层统一提供
type backend interface {
	tryAcquire(ctx context.Context, name, holder string, d time.Duration, now time.Time) (*Lease, error)
	release(ctx context.Context, name, holder string, now time.Time) (bool, error)
	get(ctx context.Context, name string, now time.Time) (*Lease, error)
	close() error
}

// New 创建租约锁
//
//   - DriverMemory: 无依赖
//   - DriverDB: WithDB
//   - DriverRedis: WithRedisConnector
//   - DriverEtcd: WithEtcdConnector
func New(cfg *Config, opts ...Option) (Locker, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)

	var b backend
	switch cfg.Driver {
	case DriverMemory:
		b = newMemoryBackend()
	case DriverDB:
		if opt.db == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "db driver requires WithDB")
		}
		b = newGormBackend(opt.db)
	case DriverRedis:
		if opt.redisConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "redis driver requires WithRedisConnector")
		}
		b = newRedisBackend(opt.redisConn, cfg.Prefix)
	case DriverEtcd:
		if opt.etcdConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "etcd driver requires WithEtcdConnector")
		}
		b = newEtcdBackend(opt.etcdConn, cfg.Prefix)
	}

	opt.logger.Info("creating lease locker", clog.String("driver", string(cfg.Driver)))
	return newLocker(string(cfg.Driver), b, opt), nil
}
