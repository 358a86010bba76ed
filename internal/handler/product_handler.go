package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/greymass/account-creation-portal/internal/creation"
	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
)

// PaymentServiceInterface は商品・決済ハンドラーが必要とするサービスインターフェース。
type PaymentServiceInterface interface {
	ListActiveProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, id string) (*model.ProductDetail, error)
	CreateCheckoutSession(ctx context.Context, priceID string, args creation.Request, cancelPath string) (*model.CheckoutSession, error)
}

// ProductHandler は商品カタログとチェックアウトのHTTPハンドラー。
type ProductHandler struct {
	service         PaymentServiceInterface
	stripeProductID string
}

// NewProductHandler はProductHandlerを生成する。
// stripeProductIDは既定商品（GET /api/stripe/product）のID。
func NewProductHandler(service PaymentServiceInterface, stripeProductID string) *ProductHandler {
	return &ProductHandler{service: service, stripeProductID: stripeProductID}
}

// productSummary は商品一覧の要素。
type productSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	Chain string `json:"chain"`
}

// checkoutRequest はチェックアウト開始リクエストのボディ。
// id 以外はアカウント作成リクエストの引数として持ち回る。
type checkoutRequest struct {
	ID         string `json:"id"`
	CancelPath string `json:"cancelPath"`
	LoginScope string `json:"login_scope"`
	ReturnPath string `json:"return_path"`
	OwnerKey   string `json:"owner_key"`
	ActiveKey  string `json:"active_key"`
}

// ListProducts は販売中の商品一覧を返す。
// GET /api/products
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListActiveProducts(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	result := make([]productSummary, len(products))
	for i, p := range products {
		result[i] = productSummary{ID: p.ID, Name: p.Name, Image: p.Image, Chain: p.Chain}
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// GetProduct は商品・価格・公開鍵を返す。
// GET /api/products/{id}
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	h.writeProduct(w, r, chi.URLParam(r, "id"))
}

// GetDefaultProduct は既定商品の商品・価格・公開鍵を返す。
// GET /api/stripe/product
func (h *ProductHandler) GetDefaultProduct(w http.ResponseWriter, r *http.Request) {
	h.writeProduct(w, r, h.stripeProductID)
}

func (h *ProductHandler) writeProduct(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		middleware.WriteError(w, r, model.ErrProductNotFound)
		return
	}
	detail, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, detail)
}

// CreateSession はチェックアウトセッションを開始し、クライアントがリダイレクトするためのIDを返す。
// POST /api/stripe/session
func (h *ProductHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.createSession(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]*model.CheckoutSession{"session": session})
}

// CreateProductSession はCreateSessionと同じ処理で、セッションをラップせずに返す。
// POST /api/products/session
func (h *ProductHandler) CreateProductSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.createSession(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, session)
}

func (h *ProductHandler) createSession(w http.ResponseWriter, r *http.Request) (*model.CheckoutSession, bool) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		middleware.WriteJSON(w, http.StatusBadRequest, middleware.ErrorResponseBody{Error: "Invalid id", Code: model.ErrCodeValidation})
		return nil, false
	}

	session, err := h.service.CreateCheckoutSession(r.Context(), req.ID, creation.Request{
		LoginScope: req.LoginScope,
		ReturnPath: req.ReturnPath,
		OwnerKey:   req.OwnerKey,
		ActiveKey:  req.ActiveKey,
	}, req.CancelPath)
	if err != nil {
		middleware.WriteError(w, r, err)
		return nil, false
	}
	return session, true
}
