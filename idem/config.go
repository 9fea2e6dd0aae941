package idem

import (
	"time"

	"github.com/ceyewan/sagaguard/xerrors"
)

// DriverType 存储后端类型
type DriverType string

const (
	// DriverMemory 进程内存储，仅适用于单实例和测试
	DriverMemory DriverType = "memory"
	// DriverDB GORM 存储，表 sg_idempotency_records
	DriverDB DriverType = "db"
	// DriverRedis Redis 存储，记录为 Hash，状态迁移由 Lua 脚本完成
	DriverRedis DriverType = "redis"
	// DriverDynamoDB DynamoDB 存储，状态迁移依赖条件写
	DriverDynamoDB DriverType = "dynamodb"
)

// Config 幂等协调器配置
type Config struct {
	// Driver 后端类型，默认 "db"
	Driver DriverType `mapstructure:"driver"`

	// Prefix Redis key 前缀，默认 "sg:idem:"
	Prefix string `mapstructure:"prefix"`

	// DefaultTTL 记录有效期，默认 24h；expiresAt = createdAt + DefaultTTL
	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	// ScanPageSize Redis 清理批大小与 DynamoDB Scan 分页大小，默认 100
	ScanPageSize int `mapstructure:"scan_page_size"`

	Cache   CacheConfig   `mapstructure:"cache"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// CacheConfig 已完成响应的进程内回放缓存
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	MaxSize int  `mapstructure:"max_size"` // 默认 10000
}

// BreakerConfig 存储熔断器
type BreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// MaxRequests 半开状态允许通过的请求数，默认 1
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Interval 闭合状态下清零计数的周期，默认 60s
	Interval time.Duration `mapstructure:"interval"`

	// Timeout 打开状态持续多久后进入半开，默认 30s
	Timeout time.Duration `mapstructure:"timeout"`

	// ConsecutiveFailures 连续失败多少次后打开，默认 5
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverDB
	}
	if c.Prefix == "" {
		c.Prefix = "sg:idem:"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = 100
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 10000
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Interval <= 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverMemory, DriverDB, DriverRedis, DriverDynamoDB:
		return nil
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unsupported driver: %s", c.Driver)
	}
}
