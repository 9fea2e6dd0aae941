package db

import "github.com/ceyewan/sagaguard/xerrors"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = xerrors.New("db: invalid config")

	// ErrConnectorRequired 未提供 SQL 连接器
	ErrConnectorRequired = xerrors.New("db: connector is required")

	// ErrNotConnected 连接器尚未 Connect()
	ErrNotConnected = xerrors.New("db: connector not connected")

	// ErrClosed 组件已关闭
	ErrClosed = xerrors.New("db: closed")
)
