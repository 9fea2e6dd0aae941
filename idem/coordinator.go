package idem

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/trace"
	"github.com/ceyewan/sagaguard/xerrors"
)

type coordinator struct {
	cfg     *Config
	store   Store
	cache   *replayCache
	logger  clog.Logger
	metrics *coordMetrics
	tracer  oteltrace.Tracer
	now     func() time.Time
}

func newCoordinator(cfg *Config, store Store, cache *replayCache, opt *options) *coordinator {
	return &coordinator{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		logger:  opt.logger,
		metrics: newCoordMetrics(opt.meter),
		tracer:  trace.Tracer(opt.tracer, "github.com/ceyewan/sagaguard/idem"),
		now:     opt.now,
	}
}

func (c *coordinator) clock() time.Time {
	return c.now().UTC()
}

// settleTimeout 副作用执行后写终态的时限
const settleTimeout = 5 * time.Second

// settleContext 返回写终态用的 ctx：保留调用方的值，但不随调用方取消
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (c *coordinator) startSpan(ctx context.Context, name, key string) (context.Context, oteltrace.Span) {
	return trace.StartSpan(ctx, c.tracer, name, attribute.String("idem.key", key))
}

// ========================================
// Begin
// ========================================

func (c *coordinator) Begin(ctx context.Context, key, operationType string, requestPayload []byte, opts ...BeginOption) (Decision, error) {
	if key == "" {
		return Decision{}, ErrKeyEmpty
	}
	ctx, span := c.startSpan(ctx, "idem.Begin", key)
	defer span.End()
	span.SetAttributes(attribute.String("idem.operation", operationType))

	if resp, ok := c.cache.get(key); ok {
		c.metrics.begin(ctx, string(OutcomeReplay))
		span.SetAttributes(attribute.String("idem.outcome", string(OutcomeReplay)), attribute.Bool("idem.cache_hit", true))
		return Decision{Outcome: OutcomeReplay, Response: resp, Status: StatusCompleted}, nil
	}

	bo := beginOptions{}
	for _, o := range opts {
		o(&bo)
	}

	now := c.clock()
	expiresAt := now.Add(c.cfg.DefaultTTL)
	switch {
	case !bo.expiresAt.IsZero():
		expiresAt = bo.expiresAt.UTC()
	case bo.ttl > 0:
		expiresAt = now.Add(bo.ttl)
	}

	rec := &Record{
		Key:                key,
		OperationType:      operationType,
		Status:             StatusProcessing,
		RequestPayload:     cloneBytes(requestPayload),
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          expiresAt,
		WorkflowInstanceID: bo.workflowID,
	}

	start := time.Now()
	inserted, err := c.store.Create(ctx, rec)
	c.metrics.observeStore(ctx, "create", start)
	if err != nil {
		c.metrics.begin(ctx, "error")
		trace.MarkSpanError(span, err)
		c.logger.ErrorContext(ctx, "begin failed", clog.String("key", key), clog.Error(err))
		return Decision{}, xerrors.Wrap(err, "idem: begin")
	}

	if inserted {
		c.metrics.begin(ctx, string(OutcomeProceed))
		span.SetAttributes(attribute.String("idem.outcome", string(OutcomeProceed)))
		c.logger.DebugContext(ctx, "begin proceed",
			clog.String("key", key),
			clog.String("operation", operationType),
			clog.Time("expires_at", expiresAt))
		return Decision{Outcome: OutcomeProceed, Status: StatusProcessing}, nil
	}

	start = time.Now()
	existing, err := c.store.Get(ctx, key)
	c.metrics.observeStore(ctx, "get", start)
	if err != nil {
		if xerrors.Is(err, ErrNotFound) {
			// 插入失败后记录被并发清理，本次不获得执行权
			c.metrics.begin(ctx, string(OutcomeConflict))
			span.SetAttributes(attribute.String("idem.outcome", string(OutcomeConflict)))
			c.logger.WarnContext(ctx, "record vanished after failed insert", clog.String("key", key))
			return Decision{Outcome: OutcomeConflict}, nil
		}
		c.metrics.begin(ctx, "error")
		trace.MarkSpanError(span, err)
		return Decision{}, xerrors.Wrap(err, "idem: begin lookup")
	}

	if existing.Status == StatusCompleted {
		c.cache.put(key, existing.ResponsePayload, existing.ExpiresAt.Sub(now))
		c.metrics.begin(ctx, string(OutcomeReplay))
		span.SetAttributes(attribute.String("idem.outcome", string(OutcomeReplay)))
		c.logger.DebugContext(ctx, "begin replay", clog.String("key", key))
		return Decision{Outcome: OutcomeReplay, Response: existing.ResponsePayload, Status: StatusCompleted}, nil
	}

	c.metrics.begin(ctx, string(OutcomeConflict))
	span.SetAttributes(
		attribute.String("idem.outcome", string(OutcomeConflict)),
		attribute.String("idem.status", string(existing.Status)))
	c.logger.DebugContext(ctx, "begin conflict",
		clog.String("key", key),
		clog.String("status", string(existing.Status)))
	return Decision{Outcome: OutcomeConflict, Status: existing.Status}, nil
}

// ========================================
// Complete / Fail
// ========================================

func (c *coordinator) Complete(ctx context.Context, key string, responsePayload []byte) error {
	return c.finish(ctx, "complete", key, StatusCompleted, cloneBytes(responsePayload), "")
}

func (c *coordinator) Fail(ctx context.Context, key, errorMessage string) error {
	return c.finish(ctx, "fail", key, StatusFailed, nil, errorMessage)
}

func (c *coordinator) finish(ctx context.Context, op, key string, to Status, resp []byte, errMsg string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	ctx, span := c.startSpan(ctx, "idem."+opTitle(op), key)
	defer span.End()

	now := c.clock()
	start := time.Now()
	rec, err := c.store.Finish(ctx, key, to, resp, errMsg, now)
	c.metrics.observeStore(ctx, op, start)
	if err != nil {
		c.metrics.transition(ctx, op, "error")
		trace.MarkSpanError(span, err)
		c.logger.ErrorContext(ctx, op+" failed", clog.String("key", key), clog.Error(err))
		return xerrors.Wrapf(err, "idem: %s", op)
	}

	if rec == nil {
		err := c.explainMiss(ctx, key)
		result := "invalid_transition"
		if xerrors.Is(err, ErrNotFound) {
			result = "not_found"
		}
		c.metrics.transition(ctx, op, result)
		trace.MarkSpanError(span, err)
		c.logger.WarnContext(ctx, op+" rejected", clog.String("key", key), clog.Error(err))
		return err
	}

	if to == StatusCompleted {
		c.cache.put(key, rec.ResponsePayload, rec.ExpiresAt.Sub(now))
	}
	c.metrics.transition(ctx, op, "ok")
	c.logger.DebugContext(ctx, op+" ok", clog.String("key", key), clog.String("status", string(to)))
	return nil
}

// explainMiss 条件更新未命中时区分记录不存在与已是终态
func (c *coordinator) explainMiss(ctx context.Context, key string) error {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		if xerrors.Is(err, ErrNotFound) {
			return xerrors.Wrapf(ErrNotFound, "key %q", key)
		}
		return xerrors.Wrap(err, "idem: lookup")
	}
	return xerrors.Wrapf(ErrInvalidTransition, "key %q is %s", key, rec.Status)
}

func opTitle(op string) string {
	switch op {
	case "complete":
		return "Complete"
	case "fail":
		return "Fail"
	default:
		return op
	}
}

// ========================================
// 清理与巡检
// ========================================

func (c *coordinator) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := trace.StartSpan(ctx, c.tracer, "idem.CleanupExpired")
	defer span.End()

	start := time.Now()
	n, err := c.store.DeleteExpired(ctx, now.UTC())
	c.metrics.observeStore(ctx, "delete_expired", start)
	if err != nil {
		trace.MarkSpanError(span, err)
		c.logger.ErrorContext(ctx, "cleanup expired failed", clog.Error(err))
		return n, xerrors.Wrap(err, "idem: cleanup expired")
	}
	if n > 0 {
		c.metrics.deleted.Add(ctx, float64(n))
		c.cache.clear()
	}
	span.SetAttributes(attribute.Int64("idem.deleted", n))
	c.logger.InfoContext(ctx, "expired records cleaned", clog.Int64("deleted", n), clog.Time("now", now))
	return n, nil
}

func (c *coordinator) FindStuck(ctx context.Context, processingTimeout time.Duration, now time.Time) ([]*Record, error) {
	ctx, span := trace.StartSpan(ctx, c.tracer, "idem.FindStuck")
	defer span.End()

	cutoff := now.UTC().Add(-processingTimeout)
	start := time.Now()
	recs, err := c.store.ListProcessingBefore(ctx, cutoff)
	c.metrics.observeStore(ctx, "list_processing", start)
	if err != nil {
		trace.MarkSpanError(span, err)
		return nil, xerrors.Wrap(err, "idem: find stuck")
	}
	c.metrics.stuck.Set(ctx, float64(len(recs)))
	span.SetAttributes(attribute.Int("idem.stuck", len(recs)))
	return recs, nil
}

// ========================================
// 查询与重试计数
// ========================================

func (c *coordinator) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}
	start := time.Now()
	rec, err := c.store.Get(ctx, key)
	c.metrics.observeStore(ctx, "get", start)
	if err != nil {
		if xerrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, xerrors.Wrap(err, "idem: get")
	}
	return rec, nil
}

func (c *coordinator) IncrementRetry(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrKeyEmpty
	}
	start := time.Now()
	rec, err := c.store.IncrementRetry(ctx, key, c.clock())
	c.metrics.observeStore(ctx, "increment_retry", start)
	if err != nil {
		return 0, xerrors.Wrap(err, "idem: increment retry")
	}
	if rec == nil {
		return 0, c.explainMiss(ctx, key)
	}
	return rec.RetryCount, nil
}

// ========================================
// Execute
// ========================================

func (c *coordinator) Execute(ctx context.Context, key, operationType string, requestPayload []byte,
	fn func(ctx context.Context) ([]byte, error), opts ...BeginOption) ([]byte, error) {
	d, err := c.Begin(ctx, key, operationType, requestPayload, opts...)
	if err != nil {
		return nil, err
	}

	switch d.Outcome {
	case OutcomeReplay:
		return d.Response, nil
	case OutcomeConflict:
		return nil, xerrors.Wrapf(ErrConflict, "key %q status %q", key, d.Status)
	}

	result, fnErr := fn(ctx)

	settleCtx, cancel := settleContext(ctx)
	defer cancel()

	if fnErr != nil {
		if err := c.Fail(settleCtx, key, fnErr.Error()); err != nil {
			c.logger.ErrorContext(ctx, "mark failed after execution error",
				clog.String("key", key), clog.Error(err))
		}
		return nil, fnErr
	}

	// 副作用已经发生，即使状态写入失败也把结果交给调用方
	if err := c.Complete(settleCtx, key, result); err != nil {
		return result, err
	}
	return result, nil
}
