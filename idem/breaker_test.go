package idem

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/testkit"
	"github.com/ceyewan/sagaguard/xerrors"
)

var errStoreDown = xerrors.New("connection refused")

// failingStore 所有操作都返回 err，calls 记录实际到达存储的次数
type failingStore struct {
	err   error
	calls int32
}

func (s *failingStore) hit() error {
	atomic.AddInt32(&s.calls, 1)
	return s.err
}

func (s *failingStore) Create(context.Context, *Record) (bool, error) { return false, s.hit() }

func (s *failingStore) Get(context.Context, string) (*Record, error) { return nil, s.hit() }

func (s *failingStore) Finish(context.Context, string, Status, []byte, string, time.Time) (*Record, error) {
	return nil, s.hit()
}

func (s *failingStore) IncrementRetry(context.Context, string, time.Time) (*Record, error) {
	return nil, s.hit()
}

func (s *failingStore) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, s.hit() }

func (s *failingStore) ListProcessingBefore(context.Context, time.Time) ([]*Record, error) {
	return nil, s.hit()
}

func TestBreakerStore(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after consecutive failures", func(t *testing.T) {
		store := &failingStore{err: errStoreDown}
		logger, buf := testkit.NewBufferLogger(t)
		coord, err := New(&Config{Breaker: BreakerConfig{Enabled: true, ConsecutiveFailures: 3}},
			WithStore(store), WithLogger(logger))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := coord.Begin(ctx, "k", "OP", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, errStoreDown)
		}

		_, err = coord.Begin(ctx, "k", "OP", nil)
		assert.True(t, xerrors.Is(err, ErrStoreUnavailable), "got %v", err)
		assert.EqualValues(t, 3, atomic.LoadInt32(&store.calls))
		assert.Contains(t, buf.String(), "idem store breaker state changed")
	})

	t.Run("not found does not trip", func(t *testing.T) {
		store := &failingStore{err: ErrNotFound}
		coord, err := New(&Config{Breaker: BreakerConfig{Enabled: true, ConsecutiveFailures: 1}}, WithStore(store))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err := coord.Get(ctx, "missing")
			assert.True(t, xerrors.Is(err, ErrNotFound))
		}
		assert.EqualValues(t, 5, atomic.LoadInt32(&store.calls))
	})

	t.Run("successful calls pass through", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory, Breaker: BreakerConfig{Enabled: true}})
		require.NoError(t, err)

		d, err := coord.Begin(ctx, "k", "OP", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProceed, d.Outcome)
		require.NoError(t, coord.Complete(ctx, "k", []byte("ok")))

		d, err = coord.Begin(ctx, "k", "OP", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplay, d.Outcome)
	})
}
