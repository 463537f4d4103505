package httpapi

import (
	"errors"
	"net/http"

	"checkin-core/internal/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result 统一响应格式：code=1 成功，code=0 失败
type Result[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

const (
	ResultSuccess = 1
	ResultError   = 0
)

// FailData 失败时 data 中的机器可读字段
type FailData struct {
	Code    string      `json:"code,omitempty"`
	Kind    apperr.Kind `json:"kind"`
	TraceID string      `json:"trace_id,omitempty"`
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Code: ResultSuccess, Msg: "ok", Data: data}
}

func Fail(msg string, data FailData) Result[FailData] {
	return Result[FailData]{Code: ResultError, Msg: msg, Data: data}
}

// statusOf 业务失败沿用 200 + code=0；认证、限流、内部错误使用对应 HTTP 状态码
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// writeError 将 service 错误转换为响应；INTERNAL 生成 trace_id 并记录原始错误，对外只返回通用消息
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	data := FailData{Code: apperr.CodeOf(err), Kind: kind}
	msg := err.Error()

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	if kind == apperr.KindInternal {
		data.TraceID = uuid.NewString()
		msg = "internal error"
		logger.Error("Request failed",
			zap.String("trace_id", data.TraceID),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, statusOf(kind), Fail(msg, data))
}

// badRequest 请求体或参数格式错误
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, Fail(msg, FailData{Kind: apperr.KindInvalidArgument}))
}
