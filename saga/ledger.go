package saga

import (
	"context"
	"time"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

type ledger struct {
	store   store
	logger  clog.Logger
	metrics *ledgerMetrics
	now     func() time.Time
}

func checkPair(workflowInstanceID, compensationType string) error {
	if workflowInstanceID == "" {
		return xerrors.Wrap(ErrInvalidArgument, "workflow instance id is empty")
	}
	if compensationType == "" {
		return xerrors.Wrap(ErrInvalidArgument, "compensation type is empty")
	}
	return nil
}

func (l *ledger) IsPerformed(ctx context.Context, workflowInstanceID, compensationType string) (bool, error) {
	if err := checkPair(workflowInstanceID, compensationType); err != nil {
		return false, err
	}
	ok, err := l.store.exists(ctx, workflowInstanceID, compensationType)
	if err != nil {
		return false, xerrors.Wrap(err, "saga: is performed")
	}
	return ok, nil
}

func (l *ledger) Record(ctx context.Context, workflowInstanceID, compensationType, entityID, reason string, success bool) error {
	if err := checkPair(workflowInstanceID, compensationType); err != nil {
		return err
	}
	rec := &Record{
		WorkflowInstanceID: workflowInstanceID,
		CompensationType:   compensationType,
		EntityID:           entityID,
		Reason:             reason,
		Success:            success,
		Timestamp:          l.now().UTC(),
	}
	if err := l.store.upsert(ctx, rec); err != nil {
		l.logger.ErrorContext(ctx, "record compensation failed",
			clog.String("workflow_instance_id", workflowInstanceID),
			clog.String("compensation_type", compensationType),
			clog.Error(err))
		return xerrors.Wrap(err, "saga: record")
	}
	l.metrics.record(ctx, compensationType, success)
	l.logger.InfoContext(ctx, "compensation recorded",
		clog.String("workflow_instance_id", workflowInstanceID),
		clog.String("compensation_type", compensationType),
		clog.String("entity_id", entityID),
		clog.Bool("success", success))
	return nil
}

func (l *ledger) History(ctx context.Context, workflowInstanceID string) ([]*Record, error) {
	if workflowInstanceID == "" {
		return nil, xerrors.Wrap(ErrInvalidArgument, "workflow instance id is empty")
	}
	recs, err := l.store.listByInstance(ctx, workflowInstanceID)
	if err != nil {
		return nil, xerrors.Wrap(err, "saga: history")
	}
	return recs, nil
}

func (l *ledger) ByType(ctx context.Context, compensationType string) ([]*Record, error) {
	if compensationType == "" {
		return nil, xerrors.Wrap(ErrInvalidArgument, "compensation type is empty")
	}
	recs, err := l.store.listByType(ctx, compensationType)
	if err != nil {
		return nil, xerrors.Wrap(err, "saga: by type")
	}
	return recs, nil
}

func (l *ledger) Clear(ctx context.Context, workflowInstanceID string) (int64, error) {
	if workflowInstanceID == "" {
		return 0, xerrors.Wrap(ErrInvalidArgument, "workflow instance id is empty")
	}
	n, err := l.store.deleteInstance(ctx, workflowInstanceID)
	if err != nil {
		return 0, xerrors.Wrap(err, "saga: clear")
	}
	l.logger.InfoContext(ctx, "compensation history cleared",
		clog.String("workflow_instance_id", workflowInstanceID),
		clog.Int64("deleted", n))
	return n, nil
}

func (l *ledger) Statistics(ctx context.Context) (*Statistics, error) {
	stats, err := l.store.statistics(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "saga: statistics")
	}
	return stats, nil
}

// Compensate 检查与执行之间没有加锁：并发调用同一对键时 fn 可能被执行多次，
// 需要严格至多一次的调用方应在外层使用 idem 协调器
func (l *ledger) Compensate(ctx context.Context, workflowInstanceID, compensationType, entityID, reason string,
	fn func(ctx context.Context) error) (bool, error) {
	performed, err := l.IsPerformed(ctx, workflowInstanceID, compensationType)
	if err != nil {
		return false, err
	}
	if performed {
		l.metrics.skipped.Inc(ctx)
		l.logger.DebugContext(ctx, "compensation already performed",
			clog.String("workflow_instance_id", workflowInstanceID),
			clog.String("compensation_type", compensationType))
		return false, nil
	}

	fnErr := fn(ctx)
	if fnErr != nil {
		reason = reason + ": " + fnErr.Error()
	}
	if err := l.Record(ctx, workflowInstanceID, compensationType, entityID, reason, fnErr == nil); err != nil {
		return true, xerrors.Join(fnErr, err)
	}
	return true, fnErr
}
