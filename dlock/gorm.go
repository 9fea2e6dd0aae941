package dlock

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/xerrors"
)

// LeaseModel 租约表，name 为主键，每个锁名至多一行
type LeaseModel struct {
	Name        string    `gorm:"column:name;primaryKey;size:191"`
	LockedUntil time.Time `gorm:"column:locked_until;not null"`
	LockedAt    time.Time `gorm:"column:locked_at;not null"`
	LockedBy    string    `gorm:"column:locked_by;size:255;not null"`
}

func (LeaseModel) TableName() string { return "sg_leases" }

// Migrate 创建或更新租约表
func Migrate(ctx context.Context, database db.DB) error {
	return database.AutoMigrate(ctx, &LeaseModel{})
}

func (m *LeaseModel) toLease() *Lease {
	return &Lease{
		Name:        m.Name,
		LockedBy:    m.LockedBy,
		LockedAt:    m.LockedAt.UTC(),
		LockedUntil: m.LockedUntil.UTC(),
	}
}

type gormBackend struct {
	db db.DB
}

func newGormBackend(database db.DB) *gormBackend {
	return &gormBackend{db: database}
}

// tryAcquire 先条件更新已过期的行，未命中再做不存在则插入；两条语句各自原子，
// 并发实例中至多一个写入成功
func (g *gormBackend) tryAcquire(ctx context.Context, name, holder string, d time.Duration, now time.Time) (*Lease, error) {
	m := &LeaseModel{Name: name, LockedBy: holder, LockedAt: now, LockedUntil: now.Add(d)}

	res := g.db.DB(ctx).Model(&LeaseModel{}).
		Where("name = ? AND locked_until <= ?", name, now).
		Updates(map[string]any{
			"locked_until": m.LockedUntil,
			"locked_at":    m.LockedAt,
			"locked_by":    m.LockedBy,
		})
	if res.Error != nil {
		return nil, xerrors.Wrap(res.Error, "claim expired lease")
	}
	if res.RowsAffected == 1 {
		return m.toLease(), nil
	}

	res = g.db.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, xerrors.Wrap(res.Error, "insert lease")
	}
	if res.RowsAffected == 1 {
		return m.toLease(), nil
	}
	return nil, nil
}

// release 把到期时间改为 now，行保留以便下次直接走条件更新
func (g *gormBackend) release(ctx context.Context, name, holder string, now time.Time) (bool, error) {
	res := g.db.DB(ctx).Model(&LeaseModel{}).
		Where("name = ? AND locked_by = ? AND locked_until > ?", name, holder, now).
		Update("locked_until", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *gormBackend) get(ctx context.Context, name string, now time.Time) (*Lease, error) {
	var m LeaseModel
	err := g.db.DB(ctx).Where("name = ? AND locked_until > ?", name, now).Take(&m).Error
	if err != nil {
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLeaseNotFound
		}
		return nil, err
	}
	return m.toLease(), nil
}

func (g *gormBackend) close() error { return nil }
