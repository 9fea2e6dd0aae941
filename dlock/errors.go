package dlock

import "github.com/ceyewan/sagaguard/xerrors"

var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("dlock: config is nil")

	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.New("dlock: invalid config")

	// ErrConnectorNil 所选驱动缺少连接器
	ErrConnectorNil = xerrors.New("dlock: connector is nil")

	// ErrLeaseNotFound 租约不存在或已过期
	ErrLeaseNotFound = xerrors.New("dlock: lease not found")

	// ErrInvalidLease 锁名、持有者为空或租约时长不为正
	ErrInvalidLease = xerrors.New("dlock: invalid lease request")
)
