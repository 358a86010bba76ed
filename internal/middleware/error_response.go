package middleware

import (
	"encoding/json"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/greymass/account-creation-portal/internal/model"
)

// 上流の理由文字列にはマークアップが混ざりうるため、返す前にテキストのみに落とす
var messagePolicy = bluemonday.StrictPolicy()

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON はJSONレスポンスを書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	msg := strings.TrimSpace(html.UnescapeString(messagePolicy.Sanitize(apiErr.Message)))
	if msg == "" {
		msg = http.StatusText(apiErr.Status)
	}
	WriteJSON(w, apiErr.Status, ErrorResponseBody{Error: msg, Code: apiErr.Code})
}

// WriteError はドメインエラーを分類して書き込む。
// 500系の場合は詳細をログのみに記録する。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := model.Classify(err)
	if apiErr.Status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("trace_id", TraceIDFromRequest(r)),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	WriteErrorResponse(w, apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, &model.APIError{
		Status:  http.StatusInternalServerError,
		Code:    model.ErrCodeInternal,
		Message: "Internal Server Error",
	})
}
