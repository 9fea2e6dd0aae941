// Package testkit 提供 sagaguard 各组件测试共用的依赖构造函数。
//
// 外部服务（Redis、Etcd）不可达时相关辅助函数调用 t.Skip，
// 因此同一套测试既能在本地无依赖运行，也能在 CI 中连接真实服务。
package testkit

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t *testing.T) *Kit {
	ctx, cancel := NewContext(t, 30*time.Second)
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(t),
	}
}

// NewLogger 返回一个用于测试的 logger
// SAGAGUARD_TEST_VERBOSE 非空时输出到 stdout，否则丢弃
func NewLogger() clog.Logger {
	if os.Getenv("SAGAGUARD_TEST_VERBOSE") == "" {
		return clog.Discard()
	}
	logger, err := clog.New(clog.NewDevDefaultConfig("sagaguard"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewBufferLogger 返回写入内存缓冲区的 JSON logger，用于断言日志内容
func NewBufferLogger(t *testing.T) (clog.Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger, err := clog.New(&clog.Config{Level: "debug", Format: "json", Output: "buffer"}, clog.WithWriter(buf))
	if err != nil {
		t.Fatalf("failed to create buffer logger: %v", err)
	}
	return logger, buf
}

// NewMeter 返回一个真实的 meter，可通过 Handler() 抓取指标断言
func NewMeter(t *testing.T) metrics.Meter {
	meter, err := metrics.New(metrics.NewDevDefaultConfig("sagaguard-test"))
	if err != nil {
		return metrics.Discard()
	}
	t.Cleanup(func() { _ = meter.Shutdown(context.Background()) })
	return meter
}

// NewContext 返回一个带有超时的测试上下文
func NewContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewID 返回一个唯一的测试 ID (UUID v4 前 8 位)
// 用于生成唯一的 Key 或前缀，避免测试间数据冲突
func NewID() string {
	return uuid.New().String()[0:8]
}
