package dlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/db"
)

// mockConnector 把 sqlmock 包装成 MySQL 连接器
type mockConnector struct {
	client *gorm.DB
}

func (m *mockConnector) Connect(context.Context) error     { return nil }
func (m *mockConnector) Close() error                      { return nil }
func (m *mockConnector) HealthCheck(context.Context) error { return nil }
func (m *mockConnector) IsHealthy() bool                   { return true }
func (m *mockConnector) Name() string                      { return "mock" }
func (m *mockConnector) GetClient() *gorm.DB               { return m.client }
func (m *mockConnector) Dialect() string                   { return connector.DialectMySQL }

func newMockLocker(t *testing.T) (Locker, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	client, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	database, err := db.New(&mockConnector{client: client}, nil, db.WithSilentMode())
	require.NoError(t, err)

	clock := newFakeClock()
	l, err := New(&Config{Driver: DriverDB}, WithDB(database), WithNowFunc(clock.Now))
	require.NoError(t, err)
	return l, mock
}

func TestDBLocker_MySQLStatements(t *testing.T) {
	ctx := context.Background()

	t.Run("claims expired row", func(t *testing.T) {
		l, mock := newMockLocker(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `sg_leases` SET").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		lease, err := l.TryAcquire(ctx, "cleanup", "holder-a", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, "holder-a", lease.LockedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inserts missing row", func(t *testing.T) {
		l, mock := newMockLocker(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `sg_leases` SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO `sg_leases`").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		lease, err := l.TryAcquire(ctx, "cleanup", "holder-a", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held by another instance", func(t *testing.T) {
		l, mock := newMockLocker(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `sg_leases` SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO `sg_leases`").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		lease, err := l.TryAcquire(ctx, "cleanup", "holder-b", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, lease)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error surfaces", func(t *testing.T) {
		l, mock := newMockLocker(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `sg_leases` SET").WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		lease, err := l.TryAcquire(ctx, "cleanup", "holder-a", time.Minute)
		require.Error(t, err)
		assert.Nil(t, lease)
		assert.Contains(t, err.Error(), "connection reset")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("release shortens lease", func(t *testing.T) {
		l, mock := newMockLocker(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `sg_leases` SET `locked_until`=").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, l.Release(ctx, "cleanup", "holder-a"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
