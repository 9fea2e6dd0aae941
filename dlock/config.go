package dlock

import "github.com/ceyewan/sagaguard/xerrors"

// DriverType 后端类型
type DriverType string

const (
	DriverMemory DriverType = "memory"
	DriverDB     DriverType = "db"
	DriverRedis  DriverType = "redis"
	DriverEtcd   DriverType = "etcd"
)

// Config 租约锁配置
type Config struct {
	// Driver 默认 "db"
	Driver DriverType `mapstructure:"driver"`

	// Prefix Redis / Etcd key 前缀，默认 "sg:lease:"
	Prefix string `mapstructure:"prefix"`
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverDB
	}
	if c.Prefix == "" {
		c.Prefix = "sg:lease:"
	}
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverMemory, DriverDB, DriverRedis, DriverEtcd:
		return nil
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unsupported driver: %s", c.Driver)
	}
}
