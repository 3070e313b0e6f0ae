package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"

	"bandburg/internal/bridge"
	"bandburg/internal/catalog"
	xerrors "bandburg/internal/errors"
	"bandburg/internal/script"
)

// errorBody 是所有错误响应的统一形态。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]any{"error": bodyOf(err)})
}

func bodyOf(err error) errorBody {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	var apiErr *catalog.APIError
	if stdErrors.As(err, &apiErr) {
		body.Code = string(xerrors.CodeTransportFailure)
	}
	return body
}

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	var apiErr *catalog.APIError
	if stdErrors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch xerrors.CodeOf(err) {
	case bridge.CodeMissingArgument, bridge.CodeInvalidArgumentType, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case bridge.CodeUnsupportedOperation, xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case script.CodeScriptError:
		return http.StatusUnprocessableEntity
	case bridge.CodeModuleInitFailed:
		return http.StatusServiceUnavailable
	case bridge.CodeModuleRuntime, xerrors.CodeTransportFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
