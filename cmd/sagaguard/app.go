package main

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/ceyewan/sagaguard/cleanup"
	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/db"
	"github.com/ceyewan/sagaguard/dlock"
	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/metrics"
	"github.com/ceyewan/sagaguard/saga"
	"github.com/ceyewan/sagaguard/trace"
	"github.com/ceyewan/sagaguard/xerrors"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// app 持有装配好的组件；closers 按创建顺序登记，shutdown 逆序执行
type app struct {
	cfg    *AppConfig
	logger clog.Logger
	meter  metrics.Meter

	sqlConn    connector.DatabaseConnector
	redisConn  connector.RedisConnector
	etcdConn   connector.EtcdConnector
	dynamoConn connector.DynamoDBConnector

	database  db.DB
	coord     idem.Coordinator
	ledger    saga.Ledger
	locker    dlock.Locker
	scheduler *cleanup.Scheduler

	closers []closer
}

func (a *app) onShutdown(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// shutdown 逆序关闭，单个失败不影响其余
func (a *app) shutdown(ctx context.Context) error {
	var errs xerrors.Collector
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Error("shutdown step failed", clog.String("step", c.name), clog.Error(err))
			errs.Collect(xerrors.Wrapf(err, "shutdown %s", c.name))
			continue
		}
		a.logger.Debug("shutdown step finished", clog.String("step", c.name))
	}
	a.logger.Flush()
	return errs.Err()
}

// newApp 按配置建立连接并装配全部组件；失败时已建立的资源会被释放
func newApp(ctx context.Context, cfg *AppConfig) (_ *app, err error) {
	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return nil, xerrors.Wrap(err, "create logger")
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.shutdown(context.WithoutCancel(ctx))
		}
	}()

	if a.meter, err = metrics.New(&cfg.Metrics, metrics.WithLogger(logger)); err != nil {
		return nil, xerrors.Wrap(err, "create meter")
	}
	a.onShutdown("metrics", a.meter.Shutdown)

	traceShutdown, err := trace.Init(&cfg.Trace)
	if err != nil {
		return nil, xerrors.Wrap(err, "init tracing")
	}
	a.onShutdown("trace", traceShutdown)

	if err = a.connectStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.buildComponents(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) connectorOptions() []connector.Option {
	return []connector.Option{connector.WithLogger(a.logger), connector.WithMeter(a.meter)}
}

func (a *app) connectStorage(ctx context.Context) error {
	st := &a.cfg.Storage
	opts := a.connectorOptions()

	var err error
	switch st.Driver {
	case connector.DialectSQLite, "":
		a.sqlConn, err = connector.NewSQLite(&st.SQLite, opts...)
	case connector.DialectMySQL:
		a.sqlConn, err = connector.NewMySQL(&st.MySQL, opts...)
	case connector.DialectPostgres:
		a.sqlConn, err = connector.NewPostgreSQL(&st.PostgreSQL, opts...)
	default:
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "unsupported storage driver: %s", st.Driver)
	}
	if err != nil {
		return err
	}
	if err := a.sqlConn.Connect(ctx); err != nil {
		return err
	}
	a.onShutdown("sql connector", func(context.Context) error { return a.sqlConn.Close() })

	dbOpts := []db.Option{db.WithLogger(a.logger)}
	if a.cfg.Trace.Enabled {
		dbOpts = append(dbOpts, db.WithTracer(otel.GetTracerProvider()))
	}
	if a.database, err = db.New(a.sqlConn, &st.DB, dbOpts...); err != nil {
		return err
	}
	a.onShutdown("db", func(context.Context) error { return a.database.Close() })

	if st.Redis.Addr != "" {
		if a.redisConn, err = connector.NewRedis(&st.Redis, opts...); err != nil {
			return err
		}
		if err := a.redisConn.Connect(ctx); err != nil {
			return err
		}
		a.onShutdown("redis connector", func(context.Context) error { return a.redisConn.Close() })
	}

	if len(st.Etcd.Endpoints) > 0 {
		if a.etcdConn, err = connector.NewEtcd(&st.Etcd, opts...); err != nil {
			return err
		}
		if err := a.etcdConn.Connect(ctx); err != nil {
			return err
		}
		a.onShutdown("etcd connector", func(context.Context) error { return a.etcdConn.Close() })
	}

	if st.DynamoDB.Table != "" {
		if a.dynamoConn, err = connector.NewDynamoDB(&st.DynamoDB, opts...); err != nil {
			return err
		}
		if err := a.dynamoConn.Connect(ctx); err != nil {
			return err
		}
		a.onShutdown("dynamodb connector", func(context.Context) error { return a.dynamoConn.Close() })
	}
	return nil
}

func (a *app) buildComponents() error {
	var err error

	idemOpts := []idem.Option{
		idem.WithLogger(a.logger),
		idem.WithMeter(a.meter),
		idem.WithDB(a.database),
	}
	if a.cfg.Trace.Enabled {
		idemOpts = append(idemOpts, idem.WithTracer(otel.GetTracerProvider()))
	}
	if a.redisConn != nil {
		idemOpts = append(idemOpts, idem.WithRedisConnector(a.redisConn))
	}
	if a.dynamoConn != nil {
		idemOpts = append(idemOpts, idem.WithDynamoDBConnector(a.dynamoConn))
	}
	if a.coord, err = idem.New(&a.cfg.Idem, idemOpts...); err != nil {
		return xerrors.Wrap(err, "create idempotency coordinator")
	}

	if a.ledger, err = saga.New(&a.cfg.Saga,
		saga.WithLogger(a.logger),
		saga.WithMeter(a.meter),
		saga.WithDB(a.database)); err != nil {
		return xerrors.Wrap(err, "create compensation ledger")
	}

	lockOpts := []dlock.Option{
		dlock.WithLogger(a.logger),
		dlock.WithMeter(a.meter),
		dlock.WithDB(a.database),
	}
	if a.redisConn != nil {
		lockOpts = append(lockOpts, dlock.WithRedisConnector(a.redisConn))
	}
	if a.etcdConn != nil {
		lockOpts = append(lockOpts, dlock.WithEtcdConnector(a.etcdConn))
	}
	if a.locker, err = dlock.New(&a.cfg.DLock, lockOpts...); err != nil {
		return xerrors.Wrap(err, "create lease locker")
	}
	a.onShutdown("locker", func(context.Context) error { return a.locker.Close() })

	if a.scheduler, err = cleanup.New(&a.cfg.Cleanup, a.coord, a.locker,
		cleanup.WithLogger(a.logger),
		cleanup.WithMeter(a.meter)); err != nil {
		return xerrors.Wrap(err, "create cleanup scheduler")
	}
	return nil
}

// migrate 创建 SQL 表，只对使用 db 驱动的组件生效
func (a *app) migrate(ctx context.Context) error {
	if a.cfg.Idem.Driver == idem.DriverDB {
		if err := idem.Migrate(ctx, a.database); err != nil {
			return xerrors.Wrap(err, "migrate idempotency records")
		}
	}
	if a.cfg.Saga.Driver == saga.DriverDB {
		if err := saga.Migrate(ctx, a.database); err != nil {
			return xerrors.Wrap(err, "migrate compensation records")
		}
	}
	if a.cfg.DLock.Driver == dlock.DriverDB {
		if err := dlock.Migrate(ctx, a.database); err != nil {
			return xerrors.Wrap(err, "migrate leases")
		}
	}
	a.logger.Info("migration finished")
	return nil
}

// healthChecks /healthz 探测的连接器
func (a *app) healthChecks() []connector.Connector {
	checks := []connector.Connector{a.sqlConn}
	if a.redisConn != nil {
		checks = append(checks, a.redisConn)
	}
	if a.etcdConn != nil {
		checks = append(checks, a.etcdConn)
	}
	if a.dynamoConn != nil {
		checks = append(checks, a.dynamoConn)
	}
	return checks
}
