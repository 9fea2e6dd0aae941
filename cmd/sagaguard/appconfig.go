package main

import (
	"context"

	"github.com/ceyewan/sagaguard/admin"
	"github.com/ceyewan/sagaguard/cleanup"
	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/config"
	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/dlock"
	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/metrics"
	"github.com/ceyewan/sagaguard/saga"
	"github.com/ceyewan/sagaguard/trace"
	"github.com/ceyewan/sagaguard/xerrors"
)

// AppConfig 进程级配置
//
//	storage:
//	  driver: sqlite
//	  sqlite:
//	    path: sagaguard.db
//	idem:
//	  driver: db
//	cleanup:
//	  frequent_interval: 15m
type AppConfig struct {
	Log     clog.Config    `mapstructure:"log"`
	Metrics metrics.Config `mapstructure:"metrics"`
	Trace   trace.Config   `mapstructure:"trace"`
	Storage StorageConfig  `mapstructure:"storage"`
	Idem    idem.Config    `mapstructure:"idem"`
	Saga    saga.Config    `mapstructure:"saga"`
	DLock   dlock.Config   `mapstructure:"dlock"`
	Cleanup cleanup.Config `mapstructure:"cleanup"`
	Admin   admin.Config   `mapstructure:"admin"`
	GRPC    GRPCConfig     `mapstructure:"grpc"`
}

// StorageConfig 存储连接；Redis / Etcd / DynamoDB 仅在配置了地址时建立连接
type StorageConfig struct {
	// Driver 关系型数据库：sqlite | mysql | postgres
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`

	SQLite     connector.SQLiteConfig     `mapstructure:"sqlite"`
	MySQL      connector.MySQLConfig      `mapstructure:"mysql"`
	PostgreSQL connector.PostgreSQLConfig `mapstructure:"postgresql"`
	DB         db.Config                  `mapstructure:"db"`

	Redis    connector.RedisConfig    `mapstructure:"redis"`
	Etcd     connector.EtcdConfig     `mapstructure:"etcd"`
	DynamoDB connector.DynamoDBConfig `mapstructure:"dynamodb"`
}

// GRPCConfig Addr 为空时不启动 gRPC 服务
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

var configDefaults = map[string]any{
	"log.level":              "info",
	"log.format":             "json",
	"log.output":             "stdout",
	"metrics.enabled":        true,
	"metrics.service_name":   "sagaguard",
	"metrics.enable_runtime": true,
	"trace.enabled":          false,
	"trace.service_name":     "sagaguard",
	"trace.endpoint":         "localhost:4317",
	"trace.sampler":          1.0,
	"trace.insecure":         true,
	"storage.driver":         connector.DialectSQLite,
	"storage.auto_migrate":   true,
	"storage.sqlite.path":    "sagaguard.db",
	"storage.redis.addr":     "",
	"storage.etcd.endpoints": []string{},
	"storage.dynamodb.table": "",
	"idem.driver":            string(idem.DriverDB),
	"idem.default_ttl":       "24h",
	"saga.driver":            string(saga.DriverDB),
	"dlock.driver":           string(dlock.DriverDB),
	"cleanup.lock_name":      "idempotency-cleanup",
	"cleanup.holder_id":      "",
	"cleanup.run_on_start":   false,
	"admin.addr":             ":8081",
	"grpc.addr":              "",
}

// loadConfig 读取 <dir>/config.yaml、.env 与环境变量
func loadConfig(ctx context.Context, opts *rootOptions) (*AppConfig, config.Loader, error) {
	loader, err := config.New(&config.Config{
		Name:      "config",
		Paths:     []string{opts.ConfigDir},
		EnvPrefix: opts.EnvPrefix,
	}, config.WithDefaults(configDefaults))
	if err != nil {
		return nil, nil, err
	}
	if err := loader.Load(ctx); err != nil {
		return nil, nil, xerrors.Wrap(err, "load config")
	}

	var cfg AppConfig
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, nil, xerrors.Wrap(err, "decode config")
	}
	return &cfg, loader, nil
}
