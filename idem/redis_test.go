package idem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/testkit"
)

func TestRedisCoordinator(t *testing.T) {
	runCoordinatorContract(t, func(t *testing.T, clock *fakeClock) Coordinator {
		conn := testkit.GetRedisConnector(t)
		prefix := "sg:test:" + testkit.NewID() + ":"
		t.Cleanup(func() {
			ctx := context.Background()
			client := conn.GetClient()
			if client == nil {
				return
			}
			keys, err := client.Keys(ctx, prefix+"*").Result()
			if err == nil && len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		})

		coord, err := New(&Config{Driver: DriverRedis, Prefix: prefix, ScanPageSize: 2},
			WithRedisConnector(conn), WithNowFunc(clock.Now))
		require.NoError(t, err)
		return coord
	})
}

func TestRedisStore_SubMicrosecondExpiry(t *testing.T) {
	ctx := context.Background()
	conn := testkit.GetRedisConnector(t)
	prefix := "sg:test:" + testkit.NewID() + ":"
	t.Cleanup(func() {
		client := conn.GetClient()
		if client == nil {
			return
		}
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	now := time.Date(2026, 3, 1, 9, 0, 0, 700, time.UTC)
	coord, err := New(&Config{Driver: DriverRedis, Prefix: prefix},
		WithRedisConnector(conn), WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)

	// 与 now 处于同一微秒：一条早 200ns，一条晚 200ns
	_, err = coord.Begin(ctx, "edge-expired", "OP", nil, WithExpiry(now.Add(-200*time.Nanosecond)))
	require.NoError(t, err)
	_, err = coord.Begin(ctx, "edge-live", "OP", nil, WithExpiry(now.Add(200*time.Nanosecond)))
	require.NoError(t, err)

	n, err := coord.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = coord.Get(ctx, "edge-expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = coord.Get(ctx, "edge-live")
	require.NoError(t, err)

	n, err = coord.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
