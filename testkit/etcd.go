package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ceyewan/sagaguard/connector"
)

// GetEtcdConfig 返回 Etcd 测试配置
// 默认连接 localhost:2379，可通过 SAGAGUARD_TEST_ETCD_ENDPOINT 覆盖
func GetEtcdConfig() *connector.EtcdConfig {
	endpoint := os.Getenv("SAGAGUARD_TEST_ETCD_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:2379"
	}
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   []string{endpoint},
		DialTimeout: time.Second,
	}
}

// GetEtcdConnector 获取 Etcd 连接器，服务不可达时跳过测试
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	conn, err := connector.NewEtcd(GetEtcdConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}
