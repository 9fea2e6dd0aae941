// Package clog 为 sagaguard 提供基于 slog 的结构化日志组件。
//
// 各组件通过 WithLogger 注入 Logger，并以 WithNamespace 派生子 Logger，
// 日志中的 namespace 字段形如 "sagaguard.idem"。
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	}, clog.WithNamespace("sagaguard"))
//	logger.Info("cleanup finished", clog.Int64("deleted", n))
//
// 带 Context 的日志：
//
//	logger, _ := clog.New(cfg, clog.WithTraceContext())
//	logger.InfoContext(ctx, "begin", clog.String("key", key)) // 自动附带 trace_id/span_id
package clog

import (
	"context"
	"fmt"
)

// Logger 日志接口
//
// 子 Logger 通过 With 预置字段，通过 WithNamespace 追加命名空间。
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 创建带预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 创建扩展命名空间的子 Logger，多段以 "." 连接
	WithNamespace(parts ...string) Logger

	// SetLevel 动态调整日志级别，对所有派生 Logger 生效
	SetLevel(level Level) error

	// Flush 同步缓冲区
	Flush()
}

// New 创建一个新的 Logger 实例
//
// config 为 nil 时使用 NewDevDefaultConfig("sagaguard")。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig("sagaguard")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newLogger(config, applyOptions(opts...))
}

// Must 类似 New，出错时 panic
func Must(config *Config, opts ...Option) Logger {
	l, err := New(config, opts...)
	if err != nil {
		panic(err)
	}
	return l
}
