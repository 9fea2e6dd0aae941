package testkit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/db"
)

// NewSQLiteConfig 返回独立的内存数据库配置
// 每次调用使用不同的共享缓存名，测试之间互不可见
func NewSQLiteConfig() *connector.SQLiteConfig {
	return &connector.SQLiteConfig{
		Name: "test-sqlite",
		Path: fmt.Sprintf("file:sg-%s?mode=memory&cache=shared", NewID()+NewID()),
	}
}

// NewSQLiteConnector 获取已连接的 SQLite 连接器，生命周期由 t.Cleanup 管理
func NewSQLiteConnector(t *testing.T) connector.SQLiteConnector {
	t.Helper()
	conn, err := connector.NewSQLite(NewSQLiteConfig(), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create sqlite connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to sqlite")

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// NewSQLiteDB 获取基于独立内存库的 db 组件
func NewSQLiteDB(t *testing.T) db.DB {
	t.Helper()
	database, err := db.New(NewSQLiteConnector(t), nil, db.WithLogger(NewLogger()), db.WithSilentMode())
	require.NoError(t, err, "failed to create db component")
	t.Cleanup(func() { _ = database.Close() })
	return database
}
