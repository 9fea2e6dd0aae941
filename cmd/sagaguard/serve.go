package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ceyewan/sagaguard/admin"
	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/config"
	"github.com/ceyewan/sagaguard/trace"
	"github.com/ceyewan/sagaguard/xerrors"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cleanup scheduler, admin HTTP API and optional gRPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, loader, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.shutdown(sctx)
	}

	if cfg.Storage.AutoMigrate {
		if err := a.migrate(ctx); err != nil {
			return xerrors.Join(err, shutdown())
		}
	}

	go watchLogLevel(ctx, loader, a.logger)

	if err := a.scheduler.Start(ctx); err != nil {
		return xerrors.Join(err, shutdown())
	}
	a.onShutdown("cleanup scheduler", func(context.Context) error {
		a.scheduler.Stop()
		return nil
	})

	errCh := make(chan error, 2)

	srv := admin.New(&cfg.Admin,
		admin.WithLogger(a.logger),
		admin.WithMeter(a.meter),
		admin.WithCoordinator(a.coord),
		admin.WithLedger(a.ledger),
		admin.WithCleaner(a.scheduler),
		admin.WithHealthChecks(a.healthChecks()...))
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	a.onShutdown("admin server", srv.Stop)

	if cfg.GRPC.Addr != "" {
		if err := a.startGRPC(cfg.GRPC.Addr, errCh); err != nil {
			return xerrors.Join(err, shutdown())
		}
	}

	a.logger.Info("sagaguard started", clog.String("admin_addr", cfg.Admin.Addr), clog.String("grpc_addr", cfg.GRPC.Addr))

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err = <-errCh:
		a.logger.Error("server exited unexpectedly", clog.Error(err))
	}
	return xerrors.Join(err, shutdown())
}

// startGRPC 启动挂载幂等拦截器的 gRPC 服务，业务方在同一进程内注册自己的服务
func (a *app) startGRPC(addr string, errCh chan<- error) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Wrapf(err, "listen grpc %s", addr)
	}

	server := grpc.NewServer(
		grpc.StatsHandler(trace.GRPCServerStatsHandler()),
		grpc.ChainUnaryInterceptor(a.coord.UnaryServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := server.Serve(lis); err != nil {
			errCh <- xerrors.Wrap(err, "grpc serve")
		}
	}()
	a.onShutdown("grpc server", func(ctx context.Context) error {
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			server.Stop()
		}
		return nil
	})
	a.logger.Info("grpc server listening", clog.String("addr", addr))
	return nil
}

// watchLogLevel 配置文件中 log.level 变化时调整日志级别
func watchLogLevel(ctx context.Context, loader config.Loader, logger clog.Logger) {
	ch, err := loader.Watch(ctx, "log.level")
	if err != nil {
		logger.Warn("log level hot reload disabled", clog.Error(err))
		return
	}
	for ev := range ch {
		raw, _ := ev.Value.(string)
		level, err := clog.ParseLevel(raw)
		if err != nil {
			logger.Warn("ignoring invalid log level", clog.String("value", raw))
			continue
		}
		if err := logger.SetLevel(level); err != nil {
			logger.Warn("failed to apply log level", clog.Error(err))
			continue
		}
		logger.Info("log level changed", clog.String("level", raw))
	}
}
