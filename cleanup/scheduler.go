// Package cleanup 周期性删除过期的幂等记录。
//
// 两个互相独立的定时器（frequent / daily）执行同一个动作，动作由一把共享租约保护：
// 多个实例同时触发时只有拿到租约的实例执行清理，其余实例本轮跳过。
// RunNow 供运维同步调用，不经过租约，错误直接返回给调用方。
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/dlock"
	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/xerrors"
)

// 触发源
const (
	TriggerFrequent = "frequent"
	TriggerDaily    = "daily"
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
)

// Purger 调度器依赖的幂等协调器能力
type Purger interface {
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
	FindStuck(ctx context.Context, processingTimeout time.Duration, now time.Time) ([]*idem.Record, error)
}

// Scheduler 清理调度器
type Scheduler struct {
	cfg     *Config
	purger  Purger
	locker  dlock.Locker
	logger  clog.Logger
	metrics *schedulerMetrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New 创建调度器；coord 通常是 idem.Coordinator
func New(cfg *Config, coord Purger, locker dlock.Locker, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if coord == nil || locker == nil {
		return nil, ErrDependencyNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)
	return &Scheduler{
		cfg:     cfg,
		purger:  coord,
		locker:  locker,
		logger:  opt.logger.With(clog.String("holder", cfg.HolderID)),
		metrics: newSchedulerMetrics(opt.meter),
		now:     opt.now,
	}, nil
}

// Start 启动两个定时器，ctx 取消或 Stop 后退出
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if s.cfg.RunOnStart {
		s.tick(ctx, TriggerStartup)
	}

	s.wg.Add(2)
	go s.loop(ctx, TriggerFrequent, s.cfg.FrequentInterval, stopCh)
	go s.loop(ctx, TriggerDaily, s.cfg.DailyInterval, stopCh)

	s.logger.Info("cleanup scheduler started",
		clog.String("lock", s.cfg.LockName),
		clog.Duration("frequent_interval", s.cfg.FrequentInterval),
		clog.Duration("daily_interval", s.cfg.DailyInterval))
	return nil
}

// Stop 停止定时器并等待正在执行的清理结束；未启动时直接返回
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

// IsRunning 调度器是否已启动
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, trigger string, interval time.Duration, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, trigger)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick 定时器路径：错误只记录日志
func (s *Scheduler) tick(ctx context.Context, trigger string) {
	ran, deleted, err := s.Trigger(ctx, trigger)
	if err != nil {
		s.logger.ErrorContext(ctx, "cleanup tick failed", clog.String("trigger", trigger), clog.Error(err))
		return
	}
	if ran {
		s.logger.InfoContext(ctx, "cleanup tick finished",
			clog.String("trigger", trigger),
			clog.Int64("deleted", deleted))
	}
}

// Trigger 执行一次受租约保护的清理
// 租约被其他实例持有时返回 ran=false；panic 被恢复并以 ErrTickPanic 返回
func (s *Scheduler) Trigger(ctx context.Context, source string) (ran bool, deleted int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			ran = false
			err = xerrors.Wrapf(ErrTickPanic, "%v", r)
			s.metrics.run(ctx, source, ResultError, 0)
		}
	}()

	lease, err := s.locker.TryAcquire(ctx, s.cfg.LockName, s.cfg.HolderID, s.cfg.LeaseDuration)
	if err != nil {
		s.metrics.run(ctx, source, ResultError, 0)
		return false, 0, xerrors.Wrap(err, "cleanup: acquire lease")
	}
	if lease == nil {
		s.metrics.run(ctx, source, ResultContended, 0)
		s.logger.DebugContext(ctx, "cleanup lease held elsewhere, skipping", clog.String("trigger", source))
		return false, 0, nil
	}
	defer func() {
		if rerr := s.locker.Release(context.WithoutCancel(ctx), s.cfg.LockName, s.cfg.HolderID); rerr != nil {
			s.logger.WarnContext(ctx, "failed to release cleanup lease", clog.Error(rerr))
		}
	}()

	now := s.now()
	deleted, err = s.purger.CleanupExpired(ctx, now)
	if err != nil {
		s.metrics.run(ctx, source, ResultError, 0)
		return true, 0, xerrors.Wrap(err, "cleanup: delete expired")
	}
	s.metrics.run(ctx, source, ResultOK, deleted)
	s.reportStuck(ctx, now)
	return true, deleted, nil
}

// reportStuck 只检测不修复；数量指标由协调器的 idem_stuck_records 记录
func (s *Scheduler) reportStuck(ctx context.Context, now time.Time) {
	if s.cfg.StuckTimeout <= 0 {
		return
	}
	stuck, err := s.purger.FindStuck(ctx, s.cfg.StuckTimeout, now)
	if err != nil {
		s.logger.WarnContext(ctx, "stuck detection failed", clog.Error(err))
		return
	}
	if len(stuck) == 0 {
		return
	}
	keys := make([]string, 0, len(stuck))
	for _, r := range stuck {
		keys = append(keys, r.Key)
	}
	s.logger.WarnContext(ctx, "found stuck idempotency records",
		clog.Int("count", len(stuck)),
		clog.Duration("timeout", s.cfg.StuckTimeout),
		clog.Any("keys", keys))
}

// RunNow 同步清理，不经过租约
func (s *Scheduler) RunNow(ctx context.Context) (int64, error) {
	deleted, err := s.purger.CleanupExpired(ctx, s.now())
	if err != nil {
		s.metrics.run(ctx, TriggerManual, ResultError, 0)
		return 0, xerrors.Wrap(err, "cleanup: delete expired")
	}
	s.metrics.run(ctx, TriggerManual, ResultOK, deleted)
	s.logger.InfoContext(ctx, "manual cleanup finished", clog.Int64("deleted", deleted))
	return deleted, nil
}
