// Package admin 提供运维 HTTP 接口：同步清理、卡住记录查询、补偿台账查询、健康检查与指标。
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/metrics"
	"github.com/ceyewan/sagaguard/trace"
	"github.com/ceyewan/sagaguard/xerrors"
)

// Server 运维 HTTP 服务
type Server struct {
	cfg    *Config
	opt    *options
	logger clog.Logger
	engine *gin.Engine
	srv    *http.Server
}

// New 创建服务并注册路由，未注入的依赖对应接口返回 503
func New(cfg *Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	opt := applyOptions(opts)

	engine := gin.New()
	engine.Use(gin.Recovery(), trace.GinMiddleware(cfg.ServiceName))
	if httpMetrics, err := metrics.NewHTTPServerMetrics(opt.meter, cfg.ServiceName); err == nil {
		engine.Use(metrics.GinHTTPMiddleware(httpMetrics))
	} else {
		opt.logger.Warn("http metrics disabled", clog.Error(err))
	}

	s := &Server{
		cfg:    cfg,
		opt:    opt,
		logger: opt.logger,
		engine: engine,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.opt.meter.Handler()))

	v1 := s.engine.Group("/v1")
	v1.POST("/cleanup", s.handleCleanup)

	idemGroup := v1.Group("/idempotency", s.requireCoordinator)
	idemGroup.GET("/stuck", s.handleStuck)
	idemGroup.GET("/records/:key", s.handleGetRecord)

	comp := v1.Group("/compensations", s.requireLedger)
	comp.GET("/stats", s.handleStats)
	comp.GET("/instances/:id", s.handleHistory)
	comp.DELETE("/instances/:id", s.handleClear)
	comp.GET("/types/:type", s.handleByType)
}

// Handler 返回路由，供测试或挂载到已有服务器
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 阻塞监听，Stop 后返回 nil
func (s *Server) Start() error {
	s.logger.Info("admin server listening", clog.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
		return xerrors.Wrap(err, "admin: listen")
	}
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("admin server shutting down")
	return s.srv.Shutdown(ctx)
}
