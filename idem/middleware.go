package idem

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

const (
	defaultHeaderKey  = "X-Idempotency-Key"
	defaultMaxBodyLen = 64 << 10
)

// GinMiddleware 创建 Gin 幂等中间件
//
// 请求未携带幂等键时直接放行。携带时以 "METHOD 路由" 作为 operationType 调用 Begin：
//   - Proceed: 执行后续 handler，2xx 响应以 msgpack 编码后 Complete，其他状态码 Fail
//   - Replay: 直接写回缓存的状态码、响应头和响应体
//   - Conflict: 返回 409 及记录当前状态
//
// 使用示例:
//
//	r := gin.New()
//	r.POST("/claims", coord.GinMiddleware(), submitClaim)
func (c *coordinator) GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc {
	opt := middlewareOptions{
		headerKey:  defaultHeaderKey,
		maxBodyLen: defaultMaxBodyLen,
	}
	for _, o := range opts {
		o(&opt)
	}

	return func(gc *gin.Context) {
		key := gc.GetHeader(opt.headerKey)
		if key == "" {
			gc.Next()
			return
		}
		ctx := gc.Request.Context()

		payload, err := peekBody(gc.Request, opt.maxBodyLen)
		if err != nil {
			gc.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		route := gc.FullPath()
		if route == "" {
			route = gc.Request.URL.Path
		}

		d, err := c.Begin(ctx, key, gc.Request.Method+" "+route, payload, opt.beginOpts...)
		if err != nil {
			c.logger.ErrorContext(ctx, "http idem begin failed", clog.String("key", key), clog.Error(err))
			status := http.StatusInternalServerError
			if xerrors.Is(err, ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			gc.AbortWithStatusJSON(status, gin.H{"error": "idempotency store error"})
			return
		}

		switch d.Outcome {
		case OutcomeReplay:
			if writeCachedHTTPResponse(gc, d.Response) {
				gc.Abort()
				return
			}
			c.logger.ErrorContext(ctx, "failed to decode cached http response", clog.String("key", key))
			gc.AbortWithStatus(http.StatusInternalServerError)
			return
		case OutcomeConflict:
			gc.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":           "idempotency key conflict",
				"idempotency_key": key,
				"status":          string(d.Status),
			})
			return
		}

		writer := &responseWriter{ResponseWriter: gc.Writer, body: &bytes.Buffer{}}
		gc.Writer = writer
		gc.Next()

		// 客户端断开不应让已执行的请求停留在 PROCESSING
		settleCtx, cancel := settleContext(ctx)
		defer cancel()

		status := gc.Writer.Status()
		if status >= 200 && status < 300 {
			resp := cachedHTTPResponse{
				Status: status,
				Header: cloneHeader(gc.Writer.Header()),
				Body:   append([]byte(nil), writer.body.Bytes()...),
			}
			resp.Header.Del("Content-Length")
			encoded, err := msgpack.Marshal(&resp)
			if err != nil {
				c.logger.ErrorContext(ctx, "failed to encode http response", clog.String("key", key), clog.Error(err))
				_ = c.Fail(settleCtx, key, "encode response: "+err.Error())
				return
			}
			if err := c.Complete(settleCtx, key, encoded); err != nil {
				c.logger.ErrorContext(ctx, "failed to complete http idem key", clog.String("key", key), clog.Error(err))
			}
			return
		}

		if err := c.Fail(settleCtx, key, http.StatusText(status)); err != nil {
			c.logger.ErrorContext(ctx, "failed to fail http idem key", clog.String("key", key), clog.Error(err))
		}
	}
}

// peekBody 读取完整请求体并还原给 handler，返回其中至多 limit 字节作为 requestPayload
//
// limit 只限制保存的 payload，不限制内存占用；需要硬上限时在路由前挂 http.MaxBytesReader。
func peekBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if int64(len(body)) > limit {
		return body[:limit], nil
	}
	return body, nil
}

type cachedHTTPResponse struct {
	Status int         `msgpack:"status"`
	Header http.Header `msgpack:"header"`
	Body   []byte      `msgpack:"body"`
}

func writeCachedHTTPResponse(gc *gin.Context, raw []byte) bool {
	var resp cachedHTTPResponse
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return false
	}
	for name, values := range resp.Header {
		for _, v := range values {
			gc.Writer.Header().Add(name, v)
		}
	}
	gc.Status(resp.Status)
	_, _ = gc.Writer.Write(resp.Body)
	return true
}

func cloneHeader(header http.Header) http.Header {
	dup := make(http.Header, len(header))
	for k, v := range header {
		dup[k] = append([]string(nil), v...)
	}
	return dup
}

// responseWriter 捕获响应体
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.Hijack()
}
