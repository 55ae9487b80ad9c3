package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindRateLimited
	KindValidation
	KindUpstream
	KindCancelled
)

// Error 带分类的业务错误
// Code 沿用全局错误码约定（401xx/403xx/404xx/429xx/400xx/503xx）
type Error struct {
	Kind       Kind
	Code       int
	Message    string
	Detail     string
	RetryAfter time.Duration // 仅 KindRateLimited 使用
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Unauthorized 未认证
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Code: 40101, Message: message}
}

// Forbidden 无权访问资源
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: 40301, Message: message}
}

// NotFound 资源不存在
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: 40401, Message: message}
}

// RateLimited 限流拒绝，retryAfter 为当前窗口剩余时间
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Code:       42901,
		Message:    "too many requests",
		Detail:     fmt.Sprintf("retry after %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// Validation 输入校验失败，不会触达上游
func Validation(message, detail string) *Error {
	return &Error{Kind: KindValidation, Code: 40001, Message: message, Detail: detail}
}

// Upstream 上游模型/识别服务不可用
func Upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Code: 50301, Message: "upstream unavailable", cause: err}
}

// Cancelled 客户端断开，仅做本地清理，不回传给客户端
func Cancelled(err error) *Error {
	return &Error{Kind: KindCancelled, Code: 0, Message: "request cancelled", cause: err}
}

// KindOf 解析错误分类
// context 取消/超时分别归入 Cancelled / Upstream
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstream
	}
	return KindUnknown
}

// HTTPStatus 错误分类到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsError 提取 *Error；非 *Error 时包一层 Unknown
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Code: 50001, Message: "internal error", cause: err}
}
