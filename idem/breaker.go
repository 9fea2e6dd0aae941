package idem

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

// breakerStore 在 Store 外包一层熔断器
//
// 只有存储错误计入失败；ErrNotFound 和 ctx 取消不计入。
// 熔断打开时所有调用直接返回 ErrStoreUnavailable。
type breakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

func newBreakerStore(next Store, cfg *BreakerConfig, logger clog.Logger) *breakerStore {
	settings := gobreaker.Settings{
		Name:        "idem-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				xerrors.Is(err, ErrNotFound) ||
				xerrors.Is(err, context.Canceled) ||
				xerrors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("idem store breaker state changed",
				clog.String("breaker", name),
				clog.String("from", from.String()),
				clog.String("to", to.String()))
		},
	}
	return &breakerStore{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func guard[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, xerrors.Wrapf(ErrStoreUnavailable, "%v", err)
	}
	t, _ := v.(T)
	return t, err
}

func (b *breakerStore) Create(ctx context.Context, rec *Record) (bool, error) {
	return guard(b.cb, func() (bool, error) { return b.next.Create(ctx, rec) })
}

func (b *breakerStore) Get(ctx context.Context, key string) (*Record, error) {
	return guard(b.cb, func() (*Record, error) { return b.next.Get(ctx, key) })
}

func (b *breakerStore) Finish(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error) {
	return guard(b.cb, func() (*Record, error) {
		return b.next.Finish(ctx, key, to, response, errorMessage, now)
	})
}

func (b *breakerStore) IncrementRetry(ctx context.Context, key string, now time.Time) (*Record, error) {
	return guard(b.cb, func() (*Record, error) { return b.next.IncrementRetry(ctx, key, now) })
}

func (b *breakerStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return guard(b.cb, func() (int64, error) { return b.next.DeleteExpired(ctx, now) })
}

func (b *breakerStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	return guard(b.cb, func() ([]*Record, error) { return b.next.ListProcessingBefore(ctx, cutoff) })
}
