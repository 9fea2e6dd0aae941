package connector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/xerrors"
)

// TestConfigValidation 测试各连接器配置校验
func TestConfigValidation(t *testing.T) {
	t.Run("redis requires addr", func(t *testing.T) {
		_, err := NewRedis(&RedisConfig{})
		require.Error(t, err)
		assert.True(t, xerrors.Is(err, ErrConfig))
	})

	t.Run("redis defaults", func(t *testing.T) {
		cfg := &RedisConfig{Addr: "127.0.0.1:6379"}
		conn, err := NewRedis(cfg)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, "default", conn.Name())
		assert.Equal(t, 10, cfg.PoolSize)
		assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	})

	t.Run("mysql requires host unless dsn", func(t *testing.T) {
		_, err := NewMySQL(&MySQLConfig{Username: "root", Database: "sg"})
		assert.True(t, xerrors.Is(err, ErrConfig))

		conn, err := NewMySQL(&MySQLConfig{DSN: "root:pw@tcp(127.0.0.1:3306)/sg"})
		require.NoError(t, err)
		assert.Equal(t, DialectMySQL, conn.Dialect())
	})

	t.Run("postgresql defaults", func(t *testing.T) {
		cfg := &PostgreSQLConfig{Host: "localhost", Username: "sg", Database: "sg"}
		conn, err := NewPostgreSQL(cfg)
		require.NoError(t, err)
		assert.Equal(t, DialectPostgres, conn.Dialect())
		assert.Equal(t, 5432, cfg.Port)
		assert.Equal(t, "disable", cfg.SSLMode)
		assert.Equal(t, 100, cfg.MaxOpenConns)
	})

	t.Run("sqlite requires path", func(t *testing.T) {
		_, err := NewSQLite(&SQLiteConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path is required")
	})

	t.Run("etcd requires endpoints", func(t *testing.T) {
		_, err := NewEtcd(&EtcdConfig{})
		assert.True(t, xerrors.Is(err, ErrConfig))
	})

	t.Run("dynamodb requires region and table", func(t *testing.T) {
		_, err := NewDynamoDB(&DynamoDBConfig{Table: "t"})
		assert.True(t, xerrors.Is(err, ErrConfig))
		_, err = NewDynamoDB(&DynamoDBConfig{Region: "us-east-1"})
		assert.True(t, xerrors.Is(err, ErrConfig))

		conn, err := NewDynamoDB(&DynamoDBConfig{Region: "us-east-1", Table: "sg_idempotency"})
		require.NoError(t, err)
		assert.Equal(t, "sg_idempotency", conn.Table())
		assert.Nil(t, conn.GetClient())
	})

	t.Run("nil configs", func(t *testing.T) {
		_, err := NewRedis(nil)
		assert.Error(t, err)
		_, err = NewSQLite(nil)
		assert.Error(t, err)
		_, err = NewEtcd(nil)
		assert.Error(t, err)
	})
}

// TestSQLiteLifecycle 测试 SQLite 连接器的完整生命周期
func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := NewSQLite(&SQLiteConfig{Name: "test", Path: dsn})
	require.NoError(t, err)

	assert.False(t, conn.IsHealthy())
	assert.Nil(t, conn.GetClient())
	err = conn.HealthCheck(ctx)
	assert.True(t, xerrors.Is(err, ErrClientNil))

	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.Connect(ctx), "connect is idempotent")
	assert.True(t, conn.IsHealthy())
	require.NotNil(t, conn.GetClient())
	assert.Equal(t, DialectSQLite, conn.Dialect())

	require.NoError(t, conn.GetClient().Exec("CREATE TABLE probe (id INTEGER PRIMARY KEY)").Error)
	require.NoError(t, conn.HealthCheck(ctx))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")
	assert.False(t, conn.IsHealthy())
	assert.Nil(t, conn.GetClient())
}

// TestRedisConnectFailure 连接不可达地址时返回 ErrConnection
func TestRedisConnectFailure(t *testing.T) {
	conn, err := NewRedis(&RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = conn.Connect(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, ErrConnection))
	assert.False(t, conn.IsHealthy())

	require.NoError(t, conn.Close())
	assert.Nil(t, conn.GetClient())
	assert.True(t, xerrors.Is(conn.Connect(ctx), ErrAlreadyClosed))
}
