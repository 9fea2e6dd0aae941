package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/xerrors"
)

type dynamoDBConnector struct {
	cfg     *DynamoDBConfig
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool

	mu     sync.RWMutex
	client *dynamodb.Client
}

// NewDynamoDB 创建 DynamoDB 连接器
func NewDynamoDB(cfg *DynamoDBConfig, opts ...Option) (DynamoDBConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "dynamodb config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	return &dynamoDBConnector{
		cfg:     cfg,
		logger:  o.logger.With(clog.String("connector", "dynamodb"), clog.String("name", cfg.Name)),
		metrics: newConnMetrics(o.meter),
	}, nil
}

// Connect 加载 AWS 配置并确认表存在
func (c *dynamoDBConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	c.logger.Info("connecting to dynamodb",
		clog.String("region", c.cfg.Region),
		clog.String("table", c.cfg.Table))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.Region))
	if err != nil {
		c.metrics.connected(ctx, "dynamodb", c.cfg.Name, err)
		return xerrors.Wrapf(ErrConnection, "dynamodb connector[%s]: load aws config: %v", c.cfg.Name, err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.cfg.Endpoint)
		}
	})

	err = c.describe(ctx, client)
	c.metrics.connected(ctx, "dynamodb", c.cfg.Name, err)
	if err != nil {
		c.logger.Error("failed to connect to dynamodb", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "dynamodb connector[%s]: %v", c.cfg.Name, err)
	}

	c.client = client
	c.healthy.Store(true)
	c.logger.Info("connected to dynamodb", clog.String("table", c.cfg.Table))
	return nil
}

func (c *dynamoDBConnector) describe(ctx context.Context, client *dynamodb.Client) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.cfg.Table)})
	return err
}

// Close DynamoDB 客户端基于 HTTP，无需显式关闭连接
func (c *dynamoDBConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.client != nil {
		c.metrics.closed("dynamodb", c.cfg.Name)
	}
	c.client = nil
	return nil
}

func (c *dynamoDBConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrClientNil, "dynamodb connector[%s]", c.cfg.Name)
	}
	if err := c.describe(ctx, client); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("dynamodb health check failed", clog.Error(err))
		return xerrors.Wrapf(ErrHealthCheck, "dynamodb connector[%s]: %v", c.cfg.Name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *dynamoDBConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *dynamoDBConnector) Name() string { return c.cfg.Name }

func (c *dynamoDBConnector) Table() string { return c.cfg.Table }

func (c *dynamoDBConnector) GetClient() *dynamodb.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
