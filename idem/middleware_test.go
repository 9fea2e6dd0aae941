package idem

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, coord Coordinator, handler gin.HandlerFunc, opts ...MiddlewareOption) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/claims", coord.GinMiddleware(opts...), handler)
	return r
}

func doPost(r http.Handler, header, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/claims", strings.NewReader(body))
	if key != "" {
		req.Header.Set(header, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGinMiddleware(t *testing.T) {
	t.Run("replays successful response", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory})
		require.NoError(t, err)

		var calls int32
		r := newTestRouter(t, coord, func(c *gin.Context) {
			n := atomic.AddInt32(&calls, 1)
			body, _ := io.ReadAll(c.Request.Body)
			c.Header("X-Claim-Seq", "1")
			c.JSON(http.StatusCreated, gin.H{"claimNumber": "A1", "echo": string(body), "calls": n})
		})

		w1 := doPost(r, defaultHeaderKey, "CLM-1", `{"amount":120}`)
		require.Equal(t, http.StatusCreated, w1.Code)

		w2 := doPost(r, defaultHeaderKey, "CLM-1", `{"amount":120}`)
		assert.Equal(t, http.StatusCreated, w2.Code)
		assert.JSONEq(t, w1.Body.String(), w2.Body.String())
		assert.Equal(t, "1", w2.Header().Get("X-Claim-Seq"))
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

		rec, err := coord.Get(context.Background(), "CLM-1")
		require.NoError(t, err)
		assert.Equal(t, "POST /claims", rec.OperationType)
		assert.Equal(t, `{"amount":120}`, string(rec.RequestPayload))
		assert.Equal(t, StatusCompleted, rec.Status)
	})

	t.Run("no key passes through", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory})
		require.NoError(t, err)

		var calls int32
		r := newTestRouter(t, coord, func(c *gin.Context) {
			atomic.AddInt32(&calls, 1)
			c.Status(http.StatusOK)
		})

		doPost(r, defaultHeaderKey, "", "")
		doPost(r, defaultHeaderKey, "", "")
		assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	})

	t.Run("error response marks failed and conflicts", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory})
		require.NoError(t, err)

		r := newTestRouter(t, coord, func(c *gin.Context) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "insurer unavailable"})
		})

		w := doPost(r, defaultHeaderKey, "CLM-2", "{}")
		assert.Equal(t, http.StatusBadGateway, w.Code)

		rec, err := coord.Get(context.Background(), "CLM-2")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "Bad Gateway", rec.ErrorMessage)

		w = doPost(r, defaultHeaderKey, "CLM-2", "{}")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"FAILED"`)
	})

	t.Run("processing key returns conflict", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory})
		require.NoError(t, err)
		_, err = coord.Begin(context.Background(), "CLM-3", "POST /claims", nil)
		require.NoError(t, err)

		r := newTestRouter(t, coord, func(c *gin.Context) {
			t.Fatalf("handler must not run for a conflicting key")
		})
		w := doPost(r, defaultHeaderKey, "CLM-3", "{}")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), `"idempotency_key":"CLM-3"`)
		assert.Contains(t, w.Body.String(), `"status":"PROCESSING"`)
	})

	t.Run("custom header and body limit", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory})
		require.NoError(t, err)

		r := newTestRouter(t, coord, func(c *gin.Context) {
			body, _ := io.ReadAll(c.Request.Body)
			c.String(http.StatusOK, string(body))
		}, WithHeaderKey("Idempotency-Key"), WithMaxRequestBody(4))

		w := doPost(r, "Idempotency-Key", "CLM-4", "abcdefgh")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "abcdefgh", w.Body.String(), "handler sees the full body")

		rec, err := coord.Get(context.Background(), "CLM-4")
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(rec.RequestPayload))
	})

	t.Run("client disconnect still completes", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls int32
		r := newTestRouter(t, coord, func(c *gin.Context) {
			atomic.AddInt32(&calls, 1)
			cancel()
			c.JSON(http.StatusCreated, gin.H{"claimNumber": "A7"})
		})

		req := httptest.NewRequest(http.MethodPost, "/claims", strings.NewReader("{}")).WithContext(ctx)
		req.Header.Set(defaultHeaderKey, "CLM-7")
		r.ServeHTTP(httptest.NewRecorder(), req)

		rec, err := coord.Get(context.Background(), "CLM-7")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, rec.Status)

		w := doPost(r, defaultHeaderKey, "CLM-7", "{}")
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"claimNumber":"A7"}`, w.Body.String())
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("store failure returns 503 when breaker is open", func(t *testing.T) {
		coord, err := New(&Config{Driver: DriverMemory, Breaker: BreakerConfig{Enabled: true, ConsecutiveFailures: 1}},
			WithStore(&failingStore{err: errStoreDown}))
		require.NoError(t, err)

		r := newTestRouter(t, coord, func(c *gin.Context) { c.Status(http.StatusOK) })
		w := doPost(r, defaultHeaderKey, "CLM-5", "{}")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		w = doPost(r, defaultHeaderKey, "CLM-5", "{}")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
