package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/saga"
	"github.com/ceyewan/sagaguard/testkit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fakeCleaner struct {
	deleted int64
	err     error
	calls   int
}

func (f *fakeCleaner) RunNow(context.Context) (int64, error) {
	f.calls++
	return f.deleted, f.err
}

// fakeConnector 只实现健康检查相关方法
type fakeConnector struct {
	name string
	err  error
}

func (f *fakeConnector) Connect(context.Context) error     { return nil }
func (f *fakeConnector) Close() error                      { return nil }
func (f *fakeConnector) HealthCheck(context.Context) error { return f.err }
func (f *fakeConnector) IsHealthy() bool                   { return f.err == nil }
func (f *fakeConnector) Name() string                      { return f.name }

type fixture struct {
	server  *Server
	clock   *fakeClock
	coord   idem.Coordinator
	ledger  saga.Ledger
	cleaner *fakeCleaner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	coord, err := idem.New(&idem.Config{Driver: idem.DriverMemory}, idem.WithNowFunc(clock.Now))
	require.NoError(t, err)
	ledger, err := saga.New(&saga.Config{Driver: saga.DriverMemory}, saga.WithNowFunc(clock.Now))
	require.NoError(t, err)
	cleaner := &fakeCleaner{deleted: 4}

	all := append([]Option{
		WithCoordinator(coord),
		WithLedger(ledger),
		WithCleaner(cleaner),
		WithNowFunc(clock.Now),
	}, opts...)
	return &fixture{
		server:  New(&Config{}, all...),
		clock:   clock,
		coord:   coord,
		ledger:  ledger,
		cleaner: cleaner,
	}
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.server.Handler().ServeHTTP(w, req)

	var resp Response
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decodeData(t *testing.T, body []byte, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, WithHealthChecks(&fakeConnector{name: "primary"}))
		w, resp := f.do(t, http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, resp.Success)
		assert.Contains(t, w.Body.String(), `"primary":"ok"`)
	})

	t.Run("degraded", func(t *testing.T) {
		f := newFixture(t, WithHealthChecks(
			&fakeConnector{name: "primary"},
			&fakeConnector{name: "cache", err: errors.New("dial tcp: refused")},
		))
		w, resp := f.do(t, http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeUnhealthy, resp.Error.Code)
		assert.Contains(t, w.Body.String(), "dial tcp: refused")
	})
}

func TestCleanup(t *testing.T) {
	t.Run("runs synchronously", func(t *testing.T) {
		f := newFixture(t)
		w, resp := f.do(t, http.MethodPost, "/v1/cleanup")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, resp.Success)

		var out cleanupResult
		decodeData(t, w.Body.Bytes(), &out)
		assert.Equal(t, int64(4), out.Deleted)
		assert.Equal(t, 1, f.cleaner.calls)
	})

	t.Run("storage error is 500", func(t *testing.T) {
		f := newFixture(t)
		f.cleaner.err = errors.New("database is locked")
		w, resp := f.do(t, http.MethodPost, "/v1/cleanup")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternal, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "database is locked")
	})

	t.Run("not configured", func(t *testing.T) {
		s := New(nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/cleanup", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestIdempotencyRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.Begin(ctx, "claim-old", "SUBMIT_CLAIM", nil)
	require.NoError(t, err)
	f.clock.Advance(35 * time.Minute)
	_, err = f.coord.Begin(ctx, "claim-new", "SUBMIT_CLAIM", nil)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	t.Run("stuck with default timeout", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/idempotency/stuck")
		require.Equal(t, http.StatusOK, w.Code)

		var out stuckResult
		decodeData(t, w.Body.Bytes(), &out)
		assert.Equal(t, "30m0s", out.Timeout)
		require.Equal(t, 1, out.Count)
		assert.Equal(t, "claim-old", out.Records[0].Key)
	})

	t.Run("stuck with explicit timeout", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/idempotency/stuck?timeout=1m")
		require.Equal(t, http.StatusOK, w.Code)

		var out stuckResult
		decodeData(t, w.Body.Bytes(), &out)
		assert.Equal(t, 2, out.Count)
	})

	t.Run("stuck with bad timeout", func(t *testing.T) {
		w, resp := f.do(t, http.MethodGet, "/v1/idempotency/stuck?timeout=soon")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	})

	t.Run("get record", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/idempotency/records/claim-old")
		require.Equal(t, http.StatusOK, w.Code)

		var rec idem.Record
		decodeData(t, w.Body.Bytes(), &rec)
		assert.Equal(t, "claim-old", rec.Key)
		assert.Equal(t, idem.StatusProcessing, rec.Status)
	})

	t.Run("get missing record", func(t *testing.T) {
		w, resp := f.do(t, http.MethodGet, "/v1/idempotency/records/nope")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, CodeNotFound, resp.Error.Code)
	})

	t.Run("not configured", func(t *testing.T) {
		s := New(&Config{})
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/idempotency/stuck", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestCompensationRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ledger.Record(ctx, "wf-1", "REFUND_PAYMENT", "pay-1", "rollback", true))
	f.clock.Advance(time.Second)
	require.NoError(t, f.ledger.Record(ctx, "wf-1", "RELEASE_HOLD", "hold-1", "rollback", false))
	f.clock.Advance(time.Second)
	require.NoError(t, f.ledger.Record(ctx, "wf-2", "REFUND_PAYMENT", "pay-2", "rollback", true))

	t.Run("stats", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/compensations/stats")
		require.Equal(t, http.StatusOK, w.Code)

		var stats saga.Statistics
		decodeData(t, w.Body.Bytes(), &stats)
		assert.Equal(t, int64(3), stats.Total)
		assert.Equal(t, int64(2), stats.SuccessCount)
		assert.Equal(t, int64(1), stats.FailureCount)
		assert.Equal(t, int64(2), stats.ByType["REFUND_PAYMENT"])
	})

	t.Run("history", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/compensations/instances/wf-1")
		require.Equal(t, http.StatusOK, w.Code)

		var records []*saga.Record
		decodeData(t, w.Body.Bytes(), &records)
		require.Len(t, records, 2)
		assert.Equal(t, "REFUND_PAYMENT", records[0].CompensationType)
		assert.Equal(t, "RELEASE_HOLD", records[1].CompensationType)
	})

	t.Run("by type", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/compensations/types/REFUND_PAYMENT")
		require.Equal(t, http.StatusOK, w.Code)

		var records []*saga.Record
		decodeData(t, w.Body.Bytes(), &records)
		require.Len(t, records, 2)
		assert.Equal(t, "wf-1", records[0].WorkflowInstanceID)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		w, _ := f.do(t, http.MethodGet, "/v1/compensations/instances/wf-none")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"data":[]`)
	})

	t.Run("clear", func(t *testing.T) {
		w, _ := f.do(t, http.MethodDelete, "/v1/compensations/instances/wf-1")
		require.Equal(t, http.StatusOK, w.Code)

		var out clearResult
		decodeData(t, w.Body.Bytes(), &out)
		assert.Equal(t, int64(2), out.Deleted)

		performed, err := f.ledger.IsPerformed(ctx, "wf-1", "REFUND_PAYMENT")
		require.NoError(t, err)
		assert.False(t, performed)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, WithMeter(testkit.NewMeter(t)))

	w, _ := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_server_requests")
}

func TestStartStop(t *testing.T) {
	s := New(&Config{Addr: "127.0.0.1:0"})
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
