// Package connector 管理 sagaguard 各存储后端的连接生命周期。
//
// 支持的后端：Redis、MySQL、PostgreSQL、SQLite、Etcd、DynamoDB。
// NewXXX() 只做配置校验，实际连接在 Connect() 时建立；Connect/Close 均幂等。
//
// 基本使用：
//
//	conn, err := connector.NewRedis(&connector.RedisConfig{Addr: "127.0.0.1:6379"},
//		connector.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	coord, err := idem.New(&idem.Config{Driver: idem.DriverRedis}, idem.WithRedisConnector(conn))
//
// 资源所有权：Connector 拥有底层连接；idem、saga、dlock 等组件只借用，不调用 Close()。
// 应用层按 LIFO 顺序释放：先关闭组件，再关闭 Connector。
package connector

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/gorm"
)

// Connector 所有连接器的通用行为，方法均并发安全
type Connector interface {
	// Connect 建立连接，重复调用直接返回 nil
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源，可重复调用
	Close() error

	// HealthCheck 主动探测连接，并更新 IsHealthy 的缓存结果
	HealthCheck(ctx context.Context) error

	IsHealthy() bool
	Name() string
}

// TypedConnector 提供类型安全的客户端访问
//
// Connect() 之前或 Close() 之后 GetClient() 可能返回 nil。
type TypedConnector[T any] interface {
	Connector
	GetClient() T
}

// RedisConnector Redis 连接器
type RedisConnector interface {
	TypedConnector[*redis.Client]
}

// DatabaseConnector 基于 GORM 的关系型数据库连接器
type DatabaseConnector interface {
	TypedConnector[*gorm.DB]

	// Dialect 返回 "mysql" | "postgres" | "sqlite"
	Dialect() string
}

// MySQLConnector MySQL 连接器
type MySQLConnector interface {
	DatabaseConnector
}

// PostgreSQLConnector PostgreSQL 连接器
type PostgreSQLConnector interface {
	DatabaseConnector
}

// SQLiteConnector SQLite 连接器，适合测试和单机部署
type SQLiteConnector interface {
	DatabaseConnector
}

// EtcdConnector Etcd 连接器
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

// DynamoDBConnector DynamoDB 连接器
type DynamoDBConnector interface {
	TypedConnector[*dynamodb.Client]

	// Table 返回配置的表名
	Table() string
}
