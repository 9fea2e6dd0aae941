package idem

import "github.com/ceyewan/sagaguard/xerrors"

var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("idem: config is nil")

	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.New("idem: invalid config")

	// ErrConnectorNil 所选驱动缺少连接器
	ErrConnectorNil = xerrors.New("idem: connector is nil")

	// ErrKeyEmpty 幂等键为空
	ErrKeyEmpty = xerrors.New("idem: key is empty")

	// ErrNotFound 记录不存在
	ErrNotFound = xerrors.New("idem: record not found")

	// ErrInvalidTransition 记录已是终态，拒绝再次迁移
	ErrInvalidTransition = xerrors.New("idem: invalid state transition")

	// ErrConflict 仅由 Execute 返回：其他调用者持有该键或该键已失败
	ErrConflict = xerrors.New("idem: key is held by another caller or has failed")

	// ErrStoreUnavailable 存储熔断中
	ErrStoreUnavailable = xerrors.New("idem: store unavailable")
)
