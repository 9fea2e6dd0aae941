package cleanup

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/sagaguard/xerrors"
)

// Config 清理调度配置
type Config struct {
	// LockName 所有实例共享的租约名，默认 "idempotency-cleanup"
	LockName string `mapstructure:"lock_name"`

	// HolderID 本实例标识，默认 hostname-pid-uuid 前 8 位
	HolderID string `mapstructure:"holder_id"`

	// LeaseDuration 每次清理持有租约的时长，默认 30m
	LeaseDuration time.Duration `mapstructure:"lease_duration"`

	// FrequentInterval 高频定时器周期，默认 15m
	FrequentInterval time.Duration `mapstructure:"frequent_interval"`

	// DailyInterval 低频定时器周期，默认 24h
	DailyInterval time.Duration `mapstructure:"daily_interval"`

	// RunOnStart Start 时立即执行一次受租约保护的清理
	RunOnStart bool `mapstructure:"run_on_start"`

	// StuckTimeout 卡住检测阈值，默认 30m；负数关闭检测
	StuckTimeout time.Duration `mapstructure:"stuck_timeout"`
}

func (c *Config) setDefaults() {
	if c.LockName == "" {
		c.LockName = "idempotency-cleanup"
	}
	if c.HolderID == "" {
		c.HolderID = defaultHolderID()
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 30 * time.Minute
	}
	if c.FrequentInterval == 0 {
		c.FrequentInterval = 15 * time.Minute
	}
	if c.DailyInterval == 0 {
		c.DailyInterval = 24 * time.Hour
	}
	if c.StuckTimeout == 0 {
		c.StuckTimeout = 30 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.LeaseDuration < 0 || c.FrequentInterval < 0 || c.DailyInterval < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "durations must be positive")
	}
	return nil
}

func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
