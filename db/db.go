// Package db 在 connector 提供的 *gorm.DB 之上封装 sagaguard 的数据库访问。
//
// db 组件借用 SQL 连接器（MySQL / PostgreSQL / SQLite）的连接，提供：
// - 带 Context 的 GORM 会话与事务
// - 将 GORM 日志接入 clog（慢查询告警、错误日志）
// - 通过 otelgorm 为每条 SQL 生成 Span
// - 表结构自动迁移
//
// ## 基本使用
//
//	conn, _ := connector.NewSQLite(&connector.SQLiteConfig{Path: "sagaguard.db"})
//	defer conn.Close()
//	_ = conn.Connect(ctx)
//
//	database, _ := db.New(conn, &db.Config{SlowThreshold: 200 * time.Millisecond},
//		db.WithLogger(logger), db.WithTracer(tp))
//
//	_ = database.AutoMigrate(ctx, &idem.Model{}, &saga.Model{})
//	err := database.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
//		return tx.Create(&row).Error
//	})
//
// 资源所有权：db 不关闭连接器，Close() 只是让组件失效。
package db

import (
	"context"
	"sync/atomic"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/gorm"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/xerrors"
)

// DB 定义了数据库组件的核心能力
type DB interface {
	// DB 获取绑定 ctx 的 *gorm.DB 会话
	DB(ctx context.Context) *gorm.DB

	// Transaction 执行事务操作，fn 返回错误时回滚
	// fn 中的 tx 对象仅在当前事务范围内有效
	Transaction(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error

	// AutoMigrate 创建或更新 models 对应的表结构
	AutoMigrate(ctx context.Context, models ...any) error

	// Dialect 返回底层连接器的方言
	Dialect() string

	// Close 使组件失效，不关闭连接器
	Close() error
}

type database struct {
	client  *gorm.DB
	dialect string
	logger  clog.Logger
	closed  atomic.Bool
}

// New 创建数据库组件
//
// conn 必须已经 Connect()；cfg 为 nil 时使用默认配置。
func New(conn connector.DatabaseConnector, cfg *Config, opts ...Option) (DB, error) {
	if conn == nil {
		return nil, ErrConnectorRequired
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := options{logger: clog.Discard()}
	for _, o := range opts {
		o(&opt)
	}

	base := conn.GetClient()
	if base == nil {
		return nil, xerrors.Wrapf(ErrNotConnected, "connector %q", conn.Name())
	}

	level := parseGormLevel(cfg.LogLevel)
	if opt.silentMode {
		level = gormSilent
	}
	client := base.Session(&gorm.Session{
		Logger: newGormLogger(opt.logger, level, cfg.SlowThreshold),
	})

	if cfg.EnableTracing || opt.tracer != nil {
		pluginOpts := []otelgorm.Option{otelgorm.WithDBName(conn.Name())}
		if opt.tracer != nil {
			pluginOpts = append(pluginOpts, otelgorm.WithTracerProvider(opt.tracer))
		}
		if !cfg.TraceQueryVariables {
			pluginOpts = append(pluginOpts, otelgorm.WithoutQueryVariables())
		}
		// 插件注册在共享的 gorm.Config 上，同一连接器只需注册一次
		if err := client.Use(otelgorm.NewPlugin(pluginOpts...)); err != nil && !xerrors.Is(err, gorm.ErrRegistered) {
			return nil, xerrors.Wrap(err, "db: register otelgorm plugin")
		}
	}

	opt.logger.Info("db component ready",
		clog.String("dialect", conn.Dialect()),
		clog.String("connector", conn.Name()),
		clog.Bool("tracing", cfg.EnableTracing || opt.tracer != nil))

	return &database{
		client:  client,
		dialect: conn.Dialect(),
		logger:  opt.logger,
	}, nil
}

func (d *database) DB(ctx context.Context) *gorm.DB {
	return d.client.WithContext(ctx)
}

func (d *database) Transaction(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}

func (d *database) AutoMigrate(ctx context.Context, models ...any) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(models) == 0 {
		return nil
	}
	if err := d.client.WithContext(ctx).AutoMigrate(models...); err != nil {
		d.logger.ErrorContext(ctx, "auto migrate failed", clog.Error(err))
		return xerrors.Wrap(err, "db: auto migrate")
	}
	return nil
}

func (d *database) Dialect() string { return d.dialect }

func (d *database) Close() error {
	d.closed.Store(true)
	return nil
}
