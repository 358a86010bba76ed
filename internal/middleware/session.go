// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/greymass/account-creation-portal/internal/auth"
	"github.com/greymass/account-creation-portal/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var identityContextKey = contextKey("identity")

// SessionParser はセッショントークンの検証に必要なインターフェース。
type SessionParser interface {
	Parse(token string) (*model.Identity, error)
}

// NewSessionMiddleware はCookieのセッショントークンを読み取り、
// 有効であれば認証済みIDをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証のリクエストも拒否せずにそのまま通す。認証の要否は各ハンドラーが判断する。
func NewSessionMiddleware(parser SessionParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Cookieからセッショントークンを取得
			cookie, err := r.Cookie(auth.SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			// 2. トークンを検証。不正・期限切れは未認証として扱う
			identity, err := parser.Parse(cookie.Value)
			if err != nil {
				slog.Debug("ignoring invalid session token", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			// 3. 認証済みIDをコンテキストに注入
			annotateProvider(r.Context(), string(identity.Provider))
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// IdentityFromContext はリクエストコンテキストから認証済みIDを取得する。
// 未認証の場合はnilを返す。
func IdentityFromContext(ctx context.Context) *model.Identity {
	identity, _ := ctx.Value(identityContextKey).(*model.Identity)
	return identity
}

// ContextWithIdentity はコンテキストに認証済みIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
