package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/greymass/account-creation-portal/internal/auth"
	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
)

// IdentityResolverInterface は認証ハンドラーが必要とするIdP解決のインターフェース。
type IdentityResolverInterface interface {
	Enabled(name model.Provider) bool
	LoginURL(name model.Provider, state string) (string, error)
	Resolve(ctx context.Context, name model.Provider, code string) (*model.Identity, error)
}

// SessionCodecInterface はセッションとOAuth stateのトークンを扱うインターフェース。
type SessionCodecInterface interface {
	Issue(identity *model.Identity) (string, error)
	NewSessionCookie(token string) *http.Cookie
	IssueState(provider model.Provider, query string) (string, error)
	ParseState(provider model.Provider, state string) (string, error)
}

// AuthHandler はOAuthログイン関連のHTTPハンドラー。
type AuthHandler struct {
	resolver IdentityResolverInterface
	sessions SessionCodecInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(resolver IdentityResolverInterface, sessions SessionCodecInterface) *AuthHandler {
	return &AuthHandler{resolver: resolver, sessions: sessions}
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login?<購入ページのクエリ>
//
// 元クエリは署名付きstateに入れて持ち回るため、サーバー側に状態を持たない。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := model.Provider(chi.URLParam(r, "provider"))
	if !h.resolver.Enabled(provider) {
		middleware.WriteJSON(w, http.StatusNotFound, middleware.ErrorResponseBody{Error: "Unknown provider", Code: model.ErrCodeValidation})
		return
	}

	state, err := h.sessions.IssueState(provider, r.URL.RawQuery)
	if err != nil {
		slog.Error("failed to issue oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.resolver.LoginURL(provider, state)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// CallbackGoogle はGoogleのOAuthコールバックを処理する。
// GET /auth/callback/google?code=xxx&state=yyy
func (h *AuthHandler) CallbackGoogle(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, model.ProviderGoogle)
}

// CallbackApple はAppleのOAuthコールバックを処理する。
// POST /auth/callback/apple（form_post: code, state）
func (h *AuthHandler) CallbackApple(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, model.ProviderApple)
}

func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request, provider model.Provider) {
	// 1. stateを検証して元クエリを取り出す
	rawQuery, err := h.sessions.ParseState(provider, r.FormValue("state"))
	if err != nil {
		slog.Warn("oauth state rejected",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		http.Redirect(w, r, buyURL(nil, "invalid_state"), http.StatusFound)
		return
	}
	query, _ := url.ParseQuery(rawQuery)

	// 2. 認可コードを検証済みのIDに変換
	identity, err := h.resolver.Resolve(r.Context(), provider, r.FormValue("code"))
	if err != nil {
		slog.Warn("oauth callback failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		http.Redirect(w, r, buyURL(query, "auth_failed"), http.StatusFound)
		return
	}

	// 3. セッションCookieを設定
	token, err := h.sessions.Issue(identity)
	if err != nil {
		slog.Error("failed to issue session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	http.SetCookie(w, h.sessions.NewSessionCookie(token))

	// 4. 元のクエリを付けて購入ページに戻す
	http.Redirect(w, r, buyURL(query, ""), http.StatusFound)
}

// Logout はセッションCookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.ClearSessionCookie())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		middleware.WriteError(w, r, model.ErrUnauthorized)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"email":    identity.Email,
		"provider": string(identity.Provider),
	})
}
