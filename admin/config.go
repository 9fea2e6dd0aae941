package admin

import "time"

// Config 运维 HTTP 服务配置
type Config struct {
	// Addr 监听地址，默认 ":8081"
	Addr string `mapstructure:"addr"`

	// ServiceName 用于 otelgin span 与 HTTP 指标的 service 标签，默认 "sagaguard"
	ServiceName string `mapstructure:"service_name"`

	// StuckTimeout /v1/idempotency/stuck 未带 timeout 参数时的默认阈值，默认 30m
	StuckTimeout time.Duration `mapstructure:"stuck_timeout"`

	// ReadHeaderTimeout 默认 5s
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8081"
	}
	if c.ServiceName == "" {
		c.ServiceName = "sagaguard"
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 30 * time.Minute
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
}
