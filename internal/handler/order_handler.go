package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/greymass/account-creation-portal/internal/banxa"
	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
)

// OrderServiceInterface はトークン購入注文の中継インターフェース。
type OrderServiceInterface interface {
	CreateOrder(ctx context.Context, params banxa.OrderParams) (json.RawMessage, error)
}

// OrderHandler はトークン購入注文のHTTPハンドラー。
type OrderHandler struct {
	service OrderServiceInterface
}

// NewOrderHandler はOrderHandlerを生成する。
func NewOrderHandler(service OrderServiceInterface) *OrderHandler {
	return &OrderHandler{service: service}
}

// CreateOrder は許可されたフィールドのみを中継して注文を作成する。
// POST /api/tokens/order
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	// 1. 許可フィールドのみをデコード（未知のフィールドは捨てる）
	var params banxa.OrderParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		middleware.WriteError(w, r, model.ErrMissingParameters)
		return
	}

	// 2. 注文を中継
	order, err := h.service.CreateOrder(r.Context(), params)
	if errors.Is(err, banxa.ErrNotConfigured) {
		middleware.WriteErrorResponse(w, &model.APIError{
			Status:  http.StatusServiceUnavailable,
			Code:    model.ErrCodeGateway,
			Message: "Token orders are not available",
		})
		return
	}
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(order)
}
