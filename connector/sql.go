package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// sqlConnector MySQL / PostgreSQL / SQLite 三种 GORM 连接器的共同实现
type sqlConnector struct {
	name      string
	dialect   string
	target    string // 仅用于日志，不含密码
	dialector func() gorm.Dialector
	pool      PoolConfig

	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool

	mu sync.RWMutex
	db *gorm.DB
}

// NewMySQL 创建 MySQL 连接器，实际连接在 Connect() 时建立
func NewMySQL(cfg *MySQLConfig, opts ...Option) (MySQLConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "mysql config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.Charset)
	}
	target := fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return newSQLConnector(cfg.Name, DialectMySQL, target, cfg.PoolConfig,
		func() gorm.Dialector { return mysql.Open(dsn) }, opts), nil
}

// NewPostgreSQL 创建 PostgreSQL 连接器
func NewPostgreSQL(cfg *PostgreSQLConfig, opts ...Option) (PostgreSQLConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "postgresql config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode, cfg.Timezone)
	}
	target := fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return newSQLConnector(cfg.Name, DialectPostgres, target, cfg.PoolConfig,
		func() gorm.Dialector { return postgres.Open(dsn) }, opts), nil
}

// NewSQLite 创建 SQLite 连接器
func NewSQLite(cfg *SQLiteConfig, opts ...Option) (SQLiteConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "sqlite config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// 内存库在最后一个连接关闭时被销毁，因此不设置连接最大生命周期
	pool := PoolConfig{MaxIdleConns: cfg.MaxOpenConns, MaxOpenConns: cfg.MaxOpenConns}
	path := cfg.Path
	return newSQLConnector(cfg.Name, DialectSQLite, path, pool,
		func() gorm.Dialector { return sqlite.Open(path) }, opts), nil
}

func newSQLConnector(name, dialect, target string, pool PoolConfig, dialector func() gorm.Dialector, opts []Option) *sqlConnector {
	o := applyOptions(opts)
	return &sqlConnector{
		name:      name,
		dialect:   dialect,
		target:    target,
		dialector: dialector,
		pool:      pool,
		logger:    o.logger.With(clog.String("connector", dialect), clog.String("name", name)),
		metrics:   newConnMetrics(o.meter),
	}
}

func (c *sqlConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	c.logger.Info("connecting to database", clog.String("target", c.target))

	db, err := c.open(ctx)
	c.metrics.connected(ctx, c.dialect, c.name, err)
	if err != nil {
		c.logger.Error("failed to connect to database", clog.Error(err), clog.String("target", c.target))
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.dialect, c.name, err)
	}

	c.db = db
	c.healthy.Store(true)
	c.logger.Info("connected to database", clog.String("target", c.target))
	return nil
}

func (c *sqlConnector) open(ctx context.Context) (*gorm.DB, error) {
	// SQL 日志由 db 组件接管，这里保持静默
	db, err := gorm.Open(c.dialector(), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.pool.MaxIdleConns)
	}
	if c.pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.pool.MaxOpenConns)
	}
	if c.pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.pool.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.db == nil {
		return nil
	}
	c.metrics.closed(c.dialect, c.name)

	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	c.db = nil
	if err := sqlDB.Close(); err != nil {
		c.logger.Error("failed to close database connection", clog.Error(err))
		return err
	}
	c.logger.Info("database connection closed")
	return nil
}

func (c *sqlConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()

	if db == nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrClientNil, "%s connector[%s]", c.dialect, c.name)
	}

	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.healthy.Store(false)
		c.logger.Warn("database health check failed", clog.Error(err))
		return xerrors.Wrapf(ErrHealthCheck, "%s connector[%s]: %v", c.dialect, c.name, err)
	}

	c.healthy.Store(true)
	return nil
}

func (c *sqlConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *sqlConnector) Name() string { return c.name }

func (c *sqlConnector) Dialect() string { return c.dialect }

func (c *sqlConnector) GetClient() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}
