package saga

import "github.com/ceyewan/sagaguard/xerrors"

// DriverType 存储后端类型
type DriverType string

const (
	DriverMemory DriverType = "memory"
	DriverDB     DriverType = "db"
)

// Config 补偿台账配置
type Config struct {
	// Driver 默认 "db"
	Driver DriverType `mapstructure:"driver"`
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverDB
	}
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverMemory, DriverDB:
		return nil
	default:
		return xerrors.Wrapf(ErrInvalidArgument, "unsupported driver: %s", c.Driver)
	}
}
