package saga

import "github.com/ceyewan/sagaguard/xerrors"

var (
	ErrConfigNil = xerrors.New("saga: config is nil")

	// ErrConnectorNil 所选驱动缺少依赖
	ErrConnectorNil = xerrors.New("saga: connector is nil")

	// ErrInvalidArgument 工作流实例 ID 或补偿类型为空
	ErrInvalidArgument = xerrors.New("saga: invalid argument")
)
