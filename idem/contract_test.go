package idem

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/xerrors"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type coordFactory func(t *testing.T, clock *fakeClock) Coordinator

// runCoordinatorContract 所有驱动都必须满足的行为
func runCoordinatorContract(t *testing.T, newCoord coordFactory) {
	ctx := context.Background()

	t.Run("claim submit replays cached result", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		d, err := coord.Begin(ctx, "CLM-1", "CLAIM_SUBMIT", []byte(`{"amount":120}`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeProceed, d.Outcome)
		assert.Equal(t, StatusProcessing, d.Status)

		require.NoError(t, coord.Complete(ctx, "CLM-1", []byte(`{"claimNumber":"A1"}`)))

		d, err = coord.Begin(ctx, "CLM-1", "CLAIM_SUBMIT", []byte(`{"amount":120}`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplay, d.Outcome)
		assert.Equal(t, `{"claimNumber":"A1"}`, string(d.Response))
	})

	t.Run("processing key conflicts", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		d, err := coord.Begin(ctx, "k-processing", "OP", nil)
		require.NoError(t, err)
		require.Equal(t, OutcomeProceed, d.Outcome)

		d, err = coord.Begin(ctx, "k-processing", "OP", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, d.Outcome)
		assert.Equal(t, StatusProcessing, d.Status)
	})

	t.Run("failed key conflicts", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		_, err := coord.Begin(ctx, "k-failed", "OP", nil)
		require.NoError(t, err)
		require.NoError(t, coord.Fail(ctx, "k-failed", "insurer timeout"))

		d, err := coord.Begin(ctx, "k-failed", "OP", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, d.Outcome)
		assert.Equal(t, StatusFailed, d.Status)

		rec, err := coord.Get(ctx, "k-failed")
		require.NoError(t, err)
		assert.Equal(t, "insurer timeout", rec.ErrorMessage)
		require.NotNil(t, rec.CompletedAt)
	})

	t.Run("terminal state is final", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		_, err := coord.Begin(ctx, "k-final", "OP", nil)
		require.NoError(t, err)
		require.NoError(t, coord.Complete(ctx, "k-final", []byte("first")))

		err = coord.Complete(ctx, "k-final", []byte("second"))
		assert.True(t, xerrors.Is(err, ErrInvalidTransition), "got %v", err)
		err = coord.Fail(ctx, "k-final", "late failure")
		assert.True(t, xerrors.Is(err, ErrInvalidTransition), "got %v", err)

		rec, err := coord.Get(ctx, "k-final")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.Equal(t, "first", string(rec.ResponsePayload))
		assert.Empty(t, rec.ErrorMessage)
	})

	t.Run("transition on absent key", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		assert.True(t, xerrors.Is(coord.Complete(ctx, "missing", nil), ErrNotFound))
		assert.True(t, xerrors.Is(coord.Fail(ctx, "missing", "x"), ErrNotFound))
		_, err := coord.Get(ctx, "missing")
		assert.True(t, xerrors.Is(err, ErrNotFound))
	})

	t.Run("empty key", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		_, err := coord.Begin(ctx, "", "OP", nil)
		assert.ErrorIs(t, err, ErrKeyEmpty)
		assert.ErrorIs(t, coord.Complete(ctx, "", nil), ErrKeyEmpty)
		assert.ErrorIs(t, coord.Fail(ctx, "", ""), ErrKeyEmpty)
	})

	t.Run("exactly one proceed under concurrency", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		const workers = 16
		var proceeds, conflicts int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				d, err := coord.Begin(ctx, "k-race", "OP", nil)
				if err != nil {
					t.Errorf("begin: %v", err)
					return
				}
				switch d.Outcome {
				case OutcomeProceed:
					atomic.AddInt32(&proceeds, 1)
				case OutcomeConflict:
					atomic.AddInt32(&conflicts, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, proceeds)
		assert.EqualValues(t, workers-1, conflicts)
	})

	t.Run("begin records metadata", func(t *testing.T) {
		clock := newFakeClock()
		coord := newCoord(t, clock)
		expiry := clock.Now().Add(2 * time.Hour)

		_, err := coord.Begin(ctx, "k-meta", "ELIGIBILITY_CHECK", []byte("req"),
			WithExpiry(expiry), WithWorkflowInstance("wf-7"))
		require.NoError(t, err)

		rec, err := coord.Get(ctx, "k-meta")
		require.NoError(t, err)
		assert.Equal(t, "ELIGIBILITY_CHECK", rec.OperationType)
		assert.Equal(t, StatusProcessing, rec.Status)
		assert.Equal(t, "req", string(rec.RequestPayload))
		assert.Equal(t, "wf-7", rec.WorkflowInstanceID)
		assert.True(t, rec.CreatedAt.Equal(clock.Now()))
		assert.True(t, rec.ExpiresAt.Equal(expiry))
		assert.Nil(t, rec.CompletedAt)
		assert.Zero(t, rec.RetryCount)
	})

	t.Run("default ttl", func(t *testing.T) {
		clock := newFakeClock()
		coord := newCoord(t, clock)

		_, err := coord.Begin(ctx, "k-ttl", "OP", nil)
		require.NoError(t, err)
		_, err = coord.Begin(ctx, "k-ttl-short", "OP", nil, WithTTL(time.Minute))
		require.NoError(t, err)

		rec, err := coord.Get(ctx, "k-ttl")
		require.NoError(t, err)
		assert.True(t, rec.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))

		rec, err = coord.Get(ctx, "k-ttl-short")
		require.NoError(t, err)
		assert.True(t, rec.ExpiresAt.Equal(clock.Now().Add(time.Minute)))
	})

	t.Run("cleanup purges strictly expired records", func(t *testing.T) {
		clock := newFakeClock()
		coord := newCoord(t, clock)
		now := clock.Now()

		_, err := coord.Begin(ctx, "k-exp-done", "OP", nil, WithExpiry(now.Add(time.Minute)))
		require.NoError(t, err)
		require.NoError(t, coord.Complete(ctx, "k-exp-done", []byte("r")))
		_, err = coord.Begin(ctx, "k-exp-processing", "OP", nil, WithExpiry(now.Add(time.Minute)))
		require.NoError(t, err)
		_, err = coord.Begin(ctx, "k-boundary", "OP", nil, WithExpiry(now.Add(2*time.Minute)))
		require.NoError(t, err)
		_, err = coord.Begin(ctx, "k-live", "OP", nil, WithExpiry(now.Add(time.Hour)))
		require.NoError(t, err)

		cleanupAt := now.Add(2 * time.Minute)
		n, err := coord.CleanupExpired(ctx, cleanupAt)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = coord.CleanupExpired(ctx, cleanupAt)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = coord.Get(ctx, "k-exp-done")
		assert.True(t, xerrors.Is(err, ErrNotFound))
		_, err = coord.Get(ctx, "k-boundary")
		assert.NoError(t, err, "expiresAt == now is kept")
		_, err = coord.Get(ctx, "k-live")
		assert.NoError(t, err)

		// 清理后同一键重新获得执行权
		d, err := coord.Begin(ctx, "k-exp-done", "OP", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProceed, d.Outcome)
	})

	t.Run("find stuck detects old processing records only", func(t *testing.T) {
		clock := newFakeClock()
		coord := newCoord(t, clock)

		_, err := coord.Begin(ctx, "k-old", "OP", nil)
		require.NoError(t, err)
		_, err = coord.Begin(ctx, "k-old-done", "OP", nil)
		require.NoError(t, err)
		require.NoError(t, coord.Complete(ctx, "k-old-done", nil))

		clock.Advance(35 * time.Minute)
		_, err = coord.Begin(ctx, "k-recent", "OP", nil)
		require.NoError(t, err)
		clock.Advance(5 * time.Minute)

		stuck, err := coord.FindStuck(ctx, 30*time.Minute, clock.Now())
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "k-old", stuck[0].Key)
		assert.Equal(t, StatusProcessing, stuck[0].Status)

		// 只读：记录状态不变
		rec, err := coord.Get(ctx, "k-old")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, rec.Status)
	})

	t.Run("increment retry", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		_, err := coord.Begin(ctx, "k-retry", "OP", nil)
		require.NoError(t, err)

		n, err := coord.IncrementRetry(ctx, "k-retry")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = coord.IncrementRetry(ctx, "k-retry")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, coord.Fail(ctx, "k-retry", "gave up"))
		_, err = coord.IncrementRetry(ctx, "k-retry")
		assert.True(t, xerrors.Is(err, ErrInvalidTransition))
		_, err = coord.IncrementRetry(ctx, "k-none")
		assert.True(t, xerrors.Is(err, ErrNotFound))

		rec, err := coord.Get(ctx, "k-retry")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.RetryCount)
	})

	t.Run("execute", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		var calls int32
		fn := func(ctx context.Context) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte("submitted"), nil
		}

		out, err := coord.Execute(ctx, "k-exec", "OP", nil, fn)
		require.NoError(t, err)
		assert.Equal(t, "submitted", string(out))

		out, err = coord.Execute(ctx, "k-exec", "OP", nil, fn)
		require.NoError(t, err)
		assert.Equal(t, "submitted", string(out))
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

		boom := xerrors.New("insurer rejected")
		_, err = coord.Execute(ctx, "k-exec-fail", "OP", nil, func(context.Context) ([]byte, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = coord.Execute(ctx, "k-exec-fail", "OP", nil, fn)
		assert.True(t, xerrors.Is(err, ErrConflict))
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("execute settles after caller cancels", func(t *testing.T) {
		coord := newCoord(t, newFakeClock())

		callCtx, cancel := context.WithCancel(ctx)
		out, err := coord.Execute(callCtx, "pay-1", "CHARGE", nil, func(context.Context) ([]byte, error) {
			cancel()
			return []byte("charged"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, "charged", string(out))

		d, err := coord.Begin(ctx, "pay-1", "CHARGE", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplay, d.Outcome)
		assert.Equal(t, "charged", string(d.Response))

		callCtx, cancel = context.WithCancel(ctx)
		_, err = coord.Execute(callCtx, "pay-2", "CHARGE", nil, func(context.Context) ([]byte, error) {
			cancel()
			return nil, xerrors.New("card declined")
		})
		require.Error(t, err)

		rec, err := coord.Get(ctx, "pay-2")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "card declined", rec.ErrorMessage)
	})
}

func TestMemoryCoordinator(t *testing.T) {
	runCoordinatorContract(t, func(t *testing.T, clock *fakeClock) Coordinator {
		coord, err := New(&Config{Driver: DriverMemory}, WithNowFunc(clock.Now))
		require.NoError(t, err)
		return coord
	})
}
