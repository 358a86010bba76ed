package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// NewOriginCheckMiddleware はフォーム送信などの状態変更リクエストについて、
// Origin（なければReferer）が許可されたオリジンと一致することを検証するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証しない。
// いずれのヘッダーもない場合はブラウザ以外からの呼び出しとみなして通す。
func NewOriginCheckMiddleware(allowedOrigins ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" {
			allowed[strings.TrimRight(o, "/")] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := requestOrigin(r)
			if origin != "" && !allowed[origin] {
				slog.Warn("cross-site request rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", origin),
				)
				WriteJSON(w, http.StatusForbidden, ErrorResponseBody{Error: "Cross-site request forbidden", Code: "FORBIDDEN"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// requestOrigin はOriginヘッダー、なければRefererのオリジン部分を返す。
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return strings.TrimRight(o, "/")
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		u, err := url.Parse(ref)
		if err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}
