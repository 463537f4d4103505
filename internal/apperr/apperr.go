package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误大类（稳定的机器可读值）
type Kind string

const (
	KindUnauthenticated  Kind = "UNAUTHENTICATED"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindPrecondition     Kind = "PRECONDITION"
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindInternal         Kind = "INTERNAL"
)

// 细分错误码（放在响应 data.code 中）
const (
	CodeAlreadyChecked    = "ALREADY_CHECKED"
	CodePhoneExists       = "PHONE_EXISTS"
	CodeAlreadyMember     = "ALREADY_MEMBER"
	CodeDuplicateName     = "DUPLICATE_NAME"
	CodeRuleEnabled       = "RULE_ENABLED"
	CodeTooLate           = "TOO_LATE"
	CodeNotChecked        = "NOT_CHECKED"
	CodeExpiredToken      = "EXPIRED_TOKEN"
	CodeCapExceeded       = "CAP_EXCEEDED"
	CodeNoSuchRule        = "NO_SUCH_RULE"
	CodeNotOwner          = "NOT_OWNER"
	CodeNoSuchUser        = "NO_SUCH_USER"
	CodeReservedCommunity = "RESERVED_COMMUNITY"
	CodeManagerExists     = "MANAGER_EXISTS"
	CodeNotMember         = "NOT_MEMBER"
	CodeInvalidCode       = "INVALID_CODE"
	CodeInvalidState      = "INVALID_STATE"
)

// Error 业务错误
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 同 Kind + Code 视为相等，便于 errors.Is(err, apperr.ErrAlreadyChecked)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func newErr(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) *Error {
	return newErr(KindUnauthenticated, "", format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return newErr(KindPermissionDenied, "", format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newErr(KindNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newErr(KindConflict, code, format, args...)
}

func Precondition(code, format string, args ...any) *Error {
	return newErr(KindPrecondition, code, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return newErr(KindInvalidArgument, "", format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return newErr(KindRateLimited, "", format, args...)
}

// Internal 包装未处理的底层错误
func Internal(err error, format string, args ...any) *Error {
	e := newErr(KindInternal, "", format, args...)
	e.Err = err
	return e
}

// WithCode 在 PermissionDenied 等无 code 的构造函数后补充 code
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// Sentinel 值，仅用于 errors.Is 比较
var (
	ErrAlreadyChecked = &Error{Kind: KindConflict, Code: CodeAlreadyChecked}
	ErrTooLate        = &Error{Kind: KindPrecondition, Code: CodeTooLate}
	ErrNotChecked     = &Error{Kind: KindPrecondition, Code: CodeNotChecked}
	ErrRuleEnabled    = &Error{Kind: KindConflict, Code: CodeRuleEnabled}
	ErrExpiredToken   = &Error{Kind: KindPrecondition, Code: CodeExpiredToken}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrPermission     = &Error{Kind: KindPermissionDenied}
)

// KindOf 返回错误大类；非 *Error 一律视为 INTERNAL
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf 返回细分错误码（可能为空）
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
