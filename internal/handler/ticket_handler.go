package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
)

// TicketServiceInterface はチケット・アカウントのハンドラーが必要とするサービスインターフェース。
type TicketServiceInterface interface {
	IssueFreeTicket(ctx context.Context, identity *model.Identity, query url.Values) (string, error)
	FreeAccountAvailable(ctx context.Context, identity *model.Identity) (bool, error)
	VerifyTicket(ctx context.Context, codeOrToken string) (*model.TicketInfo, error)
	CheckAccountName(ctx context.Context, productID, accountName, ticketRef string) (bool, error)
	CreateAccount(ctx context.Context, req model.AccountRequest) error
}

// TicketHandler はチケットの照会と無料発行のHTTPハンドラー。
type TicketHandler struct {
	service TicketServiceInterface
}

// NewTicketHandler はTicketHandlerを生成する。
func NewTicketHandler(service TicketServiceInterface) *TicketHandler {
	return &TicketHandler{service: service}
}

// GetTicket はチケット情報を返す。
// GET /api/ticket/{code}
// GET /api/code/{code}
//
// パラメータはコードとエンコード済みリクエストのどちらでもよい。
func (h *TicketHandler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "code")
	if ref == "" {
		middleware.WriteJSON(w, http.StatusBadRequest, middleware.ErrorResponseBody{Error: "Missing creation code"})
		return
	}

	info, err := h.service.VerifyTicket(r.Context(), ref)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, info)
}

// IssueFree は認証済みユーザーに無料チケットを発行してリダイレクトする。
// POST /ticket
//
// フォームの searchParams には購入ページの元クエリが入る。
// 未認証・メールアドレスなしの場合は401/403を返さず、ログインを促す購入ページへ戻す。
func (h *TicketHandler) IssueFree(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		middleware.WriteError(w, r, model.ErrMissingParameters)
		return
	}
	query, err := url.ParseQuery(strings.TrimPrefix(r.PostForm.Get("searchParams"), "?"))
	if err != nil {
		middleware.WriteError(w, r, model.ErrMissingParameters)
		return
	}

	identity := middleware.IdentityFromContext(r.Context())
	redirect, err := h.service.IssueFreeTicket(r.Context(), identity, query)
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		http.Redirect(w, r, buyURL(query, "unauthorized"), http.StatusFound)
		return
	case errors.Is(err, model.ErrForbidden):
		http.Redirect(w, r, buyURL(query, "email_required"), http.StatusFound)
		return
	case err != nil:
		middleware.WriteError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// FreeAvailable は現在のユーザーが無料アカウントの対象かを返す。
// GET /api/free/available
func (h *TicketHandler) FreeAvailable(w http.ResponseWriter, r *http.Request) {
	available, err := h.service.FreeAccountAvailable(r.Context(), middleware.IdentityFromContext(r.Context()))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"available": available})
}

// buyURL は元クエリを保ったまま購入ページへ戻るURLを組み立てる。
// errorReasonが空でなければ error パラメータに設定する。
func buyURL(query url.Values, errorReason string) string {
	q := url.Values{}
	for k, v := range query {
		if k == "error" {
			continue
		}
		q[k] = v
	}
	if errorReason != "" {
		q.Set("error", errorReason)
		slog.Debug("redirecting to buy page", slog.String("reason", errorReason))
	}
	if len(q) == 0 {
		return "/buy"
	}
	return "/buy?" + q.Encode()
}
