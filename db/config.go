package db

import (
	"time"

	"github.com/ceyewan/sagaguard/xerrors"
)

// Config DB 组件配置
type Config struct {
	// LogLevel GORM 日志级别: silent | error | warn | info，默认 warn
	LogLevel string `mapstructure:"log_level"`

	// SlowThreshold 超过该耗时的 SQL 以 Warn 级别记录，默认 200ms
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`

	// EnableTracing 使用全局 TracerProvider 注册 otelgorm
	// 通过 WithTracer 注入 Provider 时自动开启
	EnableTracing bool `mapstructure:"enable_tracing"`

	// TraceQueryVariables 是否在 Span 中保留 SQL 参数值
	TraceQueryVariables bool `mapstructure:"trace_query_variables"`
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.SlowThreshold == 0 {
		c.SlowThreshold = 200 * time.Millisecond
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "silent", "error", "warn", "info":
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unsupported log_level %q", c.LogLevel)
	}
	if c.SlowThreshold < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "slow_threshold must not be negative")
	}
	return nil
}
