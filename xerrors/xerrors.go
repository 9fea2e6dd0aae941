// Package xerrors 提供 sagaguard 各组件共用的错误处理工具。
//
// 组件以包级哨兵错误描述业务结果（如 idem.ErrInvalidTransition），
// 用 Wrap/Wrapf 为存储层错误补充上下文，调用方统一通过 Is/As 判断。
package xerrors

import (
	"errors"
	"fmt"
)

// 通用哨兵错误，组件级错误可以包装它们以便跨组件分类
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
	ErrConflict     = errors.New("conflict")
)

// Wrap 为错误附加上下文信息，保留错误链。err 为 nil 时返回 nil。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 与 Wrap 相同，但支持格式化消息。
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CodedError 携带机器可读错误码的错误，用于 HTTP/CLI 层映射状态。
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return "[" + e.Code + "]"
	}
	return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// WithCode 为错误附加错误码。
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// GetCode 返回错误链中最外层的错误码，没有则返回空字符串。
func GetCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Must 在 err 不为 nil 时 panic，仅用于初始化阶段。
func Must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("must: %v", err))
	}
	return v
}

// Collector 收集多个错误，常用于按 LIFO 顺序关闭资源。
type Collector struct {
	errs []error
}

// Collect 记录一个非 nil 错误
func (c *Collector) Collect(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

// Err 返回合并后的错误，没有错误时返回 nil
func (c *Collector) Err() error {
	return errors.Join(c.errs...)
}

// 标准库函数再导出
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)
