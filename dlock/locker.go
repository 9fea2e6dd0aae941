package dlock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/trace"
	"github.com/ceyewan/sagaguard/xerrors"
)

// locker 为各后端统一补充参数校验、日志、指标与链路追踪
type locker struct {
	backend backend
	logger  clog.Logger
	metrics *lockMetrics
	tracer  oteltrace.Tracer
	now     func() time.Time
}

func newLocker(driver string, b backend, opt *options) *locker {
	return &locker{
		backend: b,
		logger:  opt.logger.With(clog.String("backend", driver)),
		metrics: newLockMetrics(opt.meter, driver),
		tracer:  trace.Tracer(opt.tracer, "github.com/ceyewan/sagaguard/dlock"),
		now:     opt.now,
	}
}

func (l *locker) clock() time.Time {
	return l.now().UTC()
}

func (l *locker) TryAcquire(ctx context.Context, lockName, holderID string, leaseDuration time.Duration) (*Lease, error) {
	if lockName == "" || holderID == "" {
		return nil, xerrors.Wrap(ErrInvalidLease, "lock name and holder id are required")
	}
	if leaseDuration <= 0 {
		return nil, xerrors.Wrapf(ErrInvalidLease, "lease duration must be positive, got %s", leaseDuration)
	}

	ctx, span := trace.StartSpan(ctx, l.tracer, "dlock.TryAcquire",
		attribute.String("dlock.name", lockName),
		attribute.String("dlock.holder", holderID))
	defer span.End()

	lease, err := l.backend.tryAcquire(ctx, lockName, holderID, leaseDuration, l.clock())
	if err != nil {
		trace.MarkSpanError(span, err)
		l.logger.ErrorContext(ctx, "try acquire failed", clog.String("lock", lockName), clog.Error(err))
		return nil, xerrors.Wrapf(err, "dlock: try acquire %s", lockName)
	}

	l.metrics.acquire(ctx, lockName, lease != nil)
	span.SetAttributes(attribute.Bool("dlock.acquired", lease != nil))
	if lease == nil {
		l.logger.DebugContext(ctx, "lease held by another instance", clog.String("lock", lockName))
		return nil, nil
	}
	l.logger.DebugContext(ctx, "lease acquired",
		clog.String("lock", lockName),
		clog.String("holder", holderID),
		clog.Time("locked_until", lease.LockedUntil))
	return lease, nil
}

func (l *locker) Release(ctx context.Context, lockName, holderID string) error {
	if lockName == "" || holderID == "" {
		return xerrors.Wrap(ErrInvalidLease, "lock name and holder id are required")
	}

	ctx, span := trace.StartSpan(ctx, l.tracer, "dlock.Release", attribute.String("dlock.name", lockName))
	defer span.End()

	released, err := l.backend.release(ctx, lockName, holderID, l.clock())
	if err != nil {
		trace.MarkSpanError(span, err)
		l.logger.ErrorContext(ctx, "release failed", clog.String("lock", lockName), clog.Error(err))
		return xerrors.Wrapf(err, "dlock: release %s", lockName)
	}
	if released {
		l.metrics.released.Inc(ctx, l.metrics.labels(lockName)...)
		l.logger.DebugContext(ctx, "lease released", clog.String("lock", lockName), clog.String("holder", holderID))
	}
	return nil
}

func (l *locker) Get(ctx context.Context, lockName string) (*Lease, error) {
	if lockName == "" {
		return nil, xerrors.Wrap(ErrInvalidLease, "lock name is required")
	}
	lease, err := l.backend.get(ctx, lockName, l.clock())
	if err != nil {
		if xerrors.Is(err, ErrLeaseNotFound) {
			return nil, err
		}
		return nil, xerrors.Wrapf(err, "dlock: get %s", lockName)
	}
	return lease, nil
}

func (l *locker) Close() error {
	return l.backend.close()
}
