package idem

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/xerrors"
)

// RecordModel 幂等记录的表结构
type RecordModel struct {
	ID                 uint64     `gorm:"primaryKey;autoIncrement"`
	Key                string     `gorm:"column:idempotency_key;size:255;not null;uniqueIndex:uk_sg_idem_key"`
	OperationType      string     `gorm:"column:operation_type;size:128;not null;index"`
	Status             string     `gorm:"column:status;size:16;not null;index:idx_sg_idem_status_created,priority:1"`
	RequestPayload     []byte     `gorm:"column:request_payload"`
	ResponsePayload    []byte     `gorm:"column:response_payload"`
	ErrorMessage       string     `gorm:"column:error_message;type:text"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_sg_idem_status_created,priority:2"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	CompletedAt        *time.Time `gorm:"column:completed_at"`
	ExpiresAt          time.Time  `gorm:"column:expires_at;not null;index"`
	WorkflowInstanceID string     `gorm:"column:workflow_instance_id;size:128;index"`
	RetryCount         int        `gorm:"column:retry_count;not null;default:0"`
}

// TableName 实现 gorm.Tabler
func (RecordModel) TableName() string { return "sg_idempotency_records" }

// Migrate 创建或更新幂等记录表
func Migrate(ctx context.Context, database db.DB) error {
	return database.AutoMigrate(ctx, &RecordModel{})
}

func toModel(r *Record) *RecordModel {
	return &RecordModel{
		Key:                r.Key,
		OperationType:      r.OperationType,
		Status:             string(r.Status),
		RequestPayload:     r.RequestPayload,
		ResponsePayload:    r.ResponsePayload,
		ErrorMessage:       r.ErrorMessage,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
		ExpiresAt:          r.ExpiresAt,
		WorkflowInstanceID: r.WorkflowInstanceID,
		RetryCount:         r.RetryCount,
	}
}

func (m *RecordModel) toRecord() *Record {
	rec := &Record{
		Key:                m.Key,
		OperationType:      m.OperationType,
		Status:             Status(m.Status),
		RequestPayload:     m.RequestPayload,
		ResponsePayload:    m.ResponsePayload,
		ErrorMessage:       m.ErrorMessage,
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
		ExpiresAt:          m.ExpiresAt.UTC(),
		WorkflowInstanceID: m.WorkflowInstanceID,
		RetryCount:         m.RetryCount,
	}
	if m.CompletedAt != nil {
		t := m.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	return rec
}

// gormStore 基于 GORM 的存储；唯一索引保证同一 key 只有一个插入者成功
type gormStore struct {
	db db.DB
}

func newGormStore(database db.DB) *gormStore {
	return &gormStore{db: database}
}

func (s *gormStore) Create(ctx context.Context, rec *Record) (bool, error) {
	res := s.db.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(toModel(rec))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) Get(ctx context.Context, key string) (*Record, error) {
	var m RecordModel
	err := s.db.DB(ctx).Where("idempotency_key = ?", key).Take(&m).Error
	if err != nil {
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.toRecord(), nil
}

func (s *gormStore) Finish(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error) {
	res := s.db.DB(ctx).Model(&RecordModel{}).
		Where("idempotency_key = ? AND status = ?", key, string(StatusProcessing)).
		Updates(map[string]any{
			"status":           string(to),
			"response_payload": response,
			"error_message":    errorMessage,
			"completed_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.reload(ctx, key, to, response, errorMessage, now)
}

// reload 读取迁移后的记录；终态不可变，读到的就是本次写入的结果
func (s *gormStore) reload(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if xerrors.Is(err, ErrNotFound) {
		// 迁移之后被清理
		return &Record{Key: key, Status: to, ResponsePayload: response, ErrorMessage: errorMessage, CompletedAt: &now, UpdatedAt: now}, nil
	}
	return rec, err
}

func (s *gormStore) IncrementRetry(ctx context.Context, key string, now time.Time) (*Record, error) {
	res := s.db.DB(ctx).Model(&RecordModel{}).
		Where("idempotency_key = ? AND status = ?", key, string(StatusProcessing)).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	rec, err := s.Get(ctx, key)
	if xerrors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *gormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.DB(ctx).Where("expires_at < ?", now).Delete(&RecordModel{})
	return res.RowsAffected, res.Error
}

func (s *gormStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	var models []RecordModel
	err := s.db.DB(ctx).
		Where("status = ? AND created_at < ?", string(StatusProcessing), cutoff).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(models))
	for i := range models {
		out = append(out, models[i].toRecord())
	}
	return out, nil
}
