package cleanup

import "github.com/ceyewan/sagaguard/xerrors"

var (
	ErrConfigNil      = xerrors.New("cleanup: config is nil")
	ErrInvalidConfig  = xerrors.New("cleanup: invalid config")
	ErrDependencyNil  = xerrors.New("cleanup: coordinator and locker are required")
	ErrAlreadyStarted = xerrors.New("cleanup: scheduler already started")

	// ErrTickPanic 一次清理过程中发生 panic，已被恢复
	ErrTickPanic = xerrors.New("cleanup: tick panicked")
)
