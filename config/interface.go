// Package config 为 sagaguard 提供统一的配置管理能力，基于 Viper 实现。
//
// 配置优先级：环境变量 > .env > config.<env>.yaml > config.yaml > 默认值。
// <env> 由 <PREFIX>_ENV 环境变量决定，例如 SAGAGUARD_ENV=prod 会合并 config.prod.yaml。
//
// 基本使用：
//
//	loader, err := config.New(&config.Config{
//		Paths:     []string{"./config"},
//		EnvPrefix: "SAGAGUARD",
//	}, config.WithDefaults(map[string]any{"cleanup.lock_name": "idempotency-cleanup"}))
//	if err != nil {
//		return err
//	}
//	if err := loader.Load(ctx); err != nil {
//		return err
//	}
//
//	var cfg AppConfig
//	_ = loader.Unmarshal(&cfg)
//
//	// 热更新日志级别
//	ch, _ := loader.Watch(ctx, "log.level")
//	for ev := range ch {
//		_ = logger.SetLevel(...)
//	}
package config

import (
	"context"
	"time"
)

// Loader 配置加载器
type Loader interface {
	// Load 从所有来源加载配置并启动文件监听
	Load(ctx context.Context) error

	Get(key string) any
	Unmarshal(v any) error
	UnmarshalKey(key string, v any) error

	// Watch 监听指定 key 的变化，ctx 取消时关闭返回的通道
	Watch(ctx context.Context, key string) (<-chan Event, error)

	// Validate 验证当前配置的有效性
	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string // "file"
	Timestamp time.Time
}
