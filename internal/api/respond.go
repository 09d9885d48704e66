package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/logger"
)

// maxRequestBytes 限制请求体大小，插件配置上限为 100 KiB，留出余量。
const maxRequestBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Reasons  []string          `json:"reasons,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, reasons []string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Reasons: reasons}})
}

// writeErr 按错误码映射 HTTP 状态码。
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	detail := errorDetail{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
		Reasons: xerrors.ReasonsOf(err),
	}
	if e, ok := xerrors.From(err); ok {
		detail.Message = e.Message()
		detail.Metadata = e.Metadata()
	}
	if len(detail.Reasons) == 1 && detail.Reasons[0] == detail.Message {
		detail.Reasons = nil
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeNotLoaded:
		return http.StatusPreconditionFailed
	case xerrors.CodeCircuitOpen, xerrors.CodeNoInstances:
		return http.StatusServiceUnavailable
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeRemoteInvocation:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON 解析请求体，空请求体视为零值。
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
