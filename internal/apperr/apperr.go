// Package apperr 定义服务内统一的错误分类
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindAuthentication Kind = "authentication"
	KindTransient      Kind = "transient_infra"
	KindRuleEvaluation Kind = "rule_evaluation"
)

// Error 带类别的错误
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同类别的 *Error 视为相等，便于 errors.Is(err, apperr.ErrAuthentication)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// ErrAuthentication 设备认证失败的唯一对外形态（不区分具体原因）
var ErrAuthentication = &Error{Kind: KindAuthentication, Message: "device authentication failed"}

// ErrForensicMode 取证只读模式下拒绝写操作
var ErrForensicMode = &Error{Kind: KindForbidden, Message: "forensic read-only mode: writes disabled"}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation 输入格式错误
func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

// Conflict 状态冲突（重复注册、重复吊销等）
func Conflict(op, format string, args ...any) error {
	return newf(KindConflict, op, format, args...)
}

// Forbidden 权限或只读模式拦截
func Forbidden(op, format string, args ...any) error {
	return newf(KindForbidden, op, format, args...)
}

// NotFound 资源不存在
func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

// Transient 包装基础设施短暂故障（可重试）
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Message: "infrastructure unavailable", Err: err}
}

// RuleEvaluation 单条规则评估失败
func RuleEvaluation(rule string, err error) error {
	return &Error{Kind: KindRuleEvaluation, Op: rule, Message: "rule evaluation failed", Err: err}
}

// KindOf 返回错误链上第一个 *Error 的类别，未分类返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误类别
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable 仅基础设施故障和未分类错误允许队列重试；请求级错误永不重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConflict, KindForbidden, KindNotFound, KindAuthentication:
		return false
	default:
		return true
	}
}
