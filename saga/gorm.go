package saga

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/sagaguard/db"
)

// RecordModel 补偿记录表结构
type RecordModel struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement"`
	WorkflowInstanceID string    `gorm:"column:workflow_instance_id;size:128;not null;uniqueIndex:uk_sg_comp_instance_type,priority:1"`
	CompensationType   string    `gorm:"column:compensation_type;size:128;not null;uniqueIndex:uk_sg_comp_instance_type,priority:2;index"`
	EntityID           string    `gorm:"column:entity_id;size:255"`
	Reason             string    `gorm:"column:reason;type:text"`
	Success            bool      `gorm:"column:success;not null"`
	PerformedAt        time.Time `gorm:"column:performed_at;not null"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (RecordModel) TableName() string { return "sg_compensation_records" }

// Migrate 创建或更新补偿记录表
func Migrate(ctx context.Context, database db.DB) error {
	return database.AutoMigrate(ctx, &RecordModel{})
}

func (m *RecordModel) toRecord() *Record {
	return &Record{
		WorkflowInstanceID: m.WorkflowInstanceID,
		CompensationType:   m.CompensationType,
		EntityID:           m.EntityID,
		Reason:             m.Reason,
		Success:            m.Success,
		Timestamp:          m.PerformedAt.UTC(),
	}
}

type gormStore struct {
	db db.DB
}

func newGormStore(database db.DB) *gormStore {
	return &gormStore{db: database}
}

// upsert 依赖 (workflow_instance_id, compensation_type) 唯一索引，一条语句完成插入或覆盖
func (s *gormStore) upsert(ctx context.Context, rec *Record) error {
	m := &RecordModel{
		WorkflowInstanceID: rec.WorkflowInstanceID,
		CompensationType:   rec.CompensationType,
		EntityID:           rec.EntityID,
		Reason:             rec.Reason,
		Success:            rec.Success,
		PerformedAt:        rec.Timestamp,
	}
	return s.db.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_instance_id"}, {Name: "compensation_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"entity_id", "reason", "success", "performed_at", "updated_at"}),
	}).Create(m).Error
}

func (s *gormStore) exists(ctx context.Context, workflowInstanceID, compensationType string) (bool, error) {
	var n int64
	err := s.db.DB(ctx).Model(&RecordModel{}).
		Where("workflow_instance_id = ? AND compensation_type = ?", workflowInstanceID, compensationType).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

func (s *gormStore) find(tx *gorm.DB) ([]*Record, error) {
	var models []RecordModel
	if err := tx.Order("performed_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(models))
	for i := range models {
		out = append(out, models[i].toRecord())
	}
	return out, nil
}

func (s *gormStore) listByInstance(ctx context.Context, workflowInstanceID string) ([]*Record, error) {
	return s.find(s.db.DB(ctx).Where("workflow_instance_id = ?", workflowInstanceID))
}

func (s *gormStore) listByType(ctx context.Context, compensationType string) ([]*Record, error) {
	return s.find(s.db.DB(ctx).Where("compensation_type = ?", compensationType))
}

func (s *gormStore) deleteInstance(ctx context.Context, workflowInstanceID string) (int64, error) {
	res := s.db.DB(ctx).Where("workflow_instance_id = ?", workflowInstanceID).Delete(&RecordModel{})
	return res.RowsAffected, res.Error
}

type typeCount struct {
	CompensationType string
	Total            int64
	Succeeded        int64
}

func (s *gormStore) statistics(ctx context.Context) (*Statistics, error) {
	var rows []typeCount
	err := s.db.DB(ctx).Model(&RecordModel{}).
		Select("compensation_type, COUNT(*) AS total, SUM(CASE WHEN success THEN 1 ELSE 0 END) AS succeeded").
		Group("compensation_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByType: make(map[string]int64, len(rows))}
	for _, r := range rows {
		stats.ByType[r.CompensationType] = r.Total
		stats.Total += r.Total
		stats.SuccessCount += r.Succeeded
	}
	stats.FailureCount = stats.Total - stats.SuccessCount
	return stats, nil
}
