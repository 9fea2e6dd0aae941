package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/xerrors"
)

const testConfig = `
log:
  level: error
  format: json
  output: stderr
metrics:
  enabled: false
storage:
  driver: sqlite
  sqlite:
    path: %s
cleanup:
  holder_id: test-node
`

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("SAGAGUARD_ENV", "")
	dir := t.TempDir()
	body := strings.Replace(testConfig, "%s", filepath.Join(dir, "sagaguard.db"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_Lifecycle(t *testing.T) {
	dir := writeConfig(t)

	out, err := runCLI(t, "--config", dir, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migration finished")

	// 通过同一份配置写入一条已过期记录和一条处理中记录
	ctx := context.Background()
	cfg, _, err := loadConfig(ctx, &rootOptions{ConfigDir: dir, EnvPrefix: "SAGAGUARD"})
	require.NoError(t, err)
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	_, err = a.coord.Begin(ctx, "claim-expired", "SUBMIT_CLAIM", nil, idem.WithExpiry(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	_, err = a.coord.Begin(ctx, "claim-running", "SUBMIT_CLAIM", nil)
	require.NoError(t, err)
	require.NoError(t, a.ledger.Record(ctx, "wf-1", "REFUND_PAYMENT", "pay-1", "rollback", true))
	require.NoError(t, a.shutdown(ctx))

	time.Sleep(10 * time.Millisecond)

	out, err = runCLI(t, "--config", dir, "stuck", "--timeout", "1ms")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		var rec idem.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		keys = append(keys, rec.Key)
	}
	assert.ElementsMatch(t, []string{"claim-expired", "claim-running"}, keys)

	out, err = runCLI(t, "--config", dir, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 expired records")

	out, err = runCLI(t, "--config", dir, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 expired records")

	out, err = runCLI(t, "--config", dir, "ledger", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 1`)
	assert.Contains(t, out, `"REFUND_PAYMENT": 1`)
}

func TestCLI_Errors(t *testing.T) {
	t.Run("unsupported storage driver", func(t *testing.T) {
		dir := writeConfig(t)
		t.Setenv("SAGAGUARD_STORAGE_DRIVER", "oracle")
		_, err := runCLI(t, "--config", dir, "cleanup")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported storage driver")
	})

	t.Run("non-positive stuck timeout", func(t *testing.T) {
		dir := writeConfig(t)
		_, err := runCLI(t, "--config", dir, "stuck", "--timeout", "0s")
		require.Error(t, err)
		assert.True(t, xerrors.Is(err, xerrors.ErrInvalidInput))
	})

	t.Run("cleanup before migrate surfaces storage error", func(t *testing.T) {
		dir := writeConfig(t)
		_, err := runCLI(t, "--config", dir, "cleanup")
		require.Error(t, err)
	})
}

func TestApp_ShutdownIsLIFO(t *testing.T) {
	a := &app{logger: clog.Discard()}
	var order []string
	for _, name := range []string{"metrics", "db", "scheduler"} {
		name := name
		a.onShutdown(name, func(context.Context) error {
			order = append(order, name)
			if name == "db" {
				return xerrors.New("close failed")
			}
			return nil
		})
	}

	err := a.shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown db")
	assert.Equal(t, []string{"scheduler", "db", "metrics"}, order)
}
