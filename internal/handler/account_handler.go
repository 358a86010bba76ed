package handler

import (
	"encoding/json"
	"net/http"

	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
)

// AccountHandler はチケット引き換え（アカウント作成）のHTTPハンドラー。
type AccountHandler struct {
	service TicketServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service TicketServiceInterface) *AccountHandler {
	return &AccountHandler{service: service}
}

// checkAccountRequest はアカウント名確認リクエストのボディ。
type checkAccountRequest struct {
	ProductID   string `json:"productId"`
	AccountName string `json:"accountName"`
	Ticket      string `json:"ticket"`
	Code        string `json:"code"`
}

// createAccountRequest はアカウント作成リクエストのボディ。
type createAccountRequest struct {
	Ticket      string `json:"ticket"`
	Code        string `json:"code"`
	ProductID   string `json:"productId"`
	ActiveKey   string `json:"activeKey"`
	OwnerKey    string `json:"ownerKey"`
	AccountName string `json:"accountName"`
}

// Check はチケットに紐づけてアカウント名の利用可否を返す。
// POST /api/accounts/check
func (h *AccountHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, model.ErrMissingParameters)
		return
	}

	ref := req.Ticket
	if ref == "" {
		ref = req.Code
	}

	available, err := h.service.CheckAccountName(r.Context(), req.ProductID, req.AccountName, ref)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"nameAvailable": available})
}

// Create はチケットを引き換えてアカウントを作成する。
// POST /api/accounts/create
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, model.ErrMissingParameters)
		return
	}

	err := h.service.CreateAccount(r.Context(), model.AccountRequest{
		Ticket:      req.Ticket,
		Code:        req.Code,
		ProductID:   req.ProductID,
		OwnerKey:    req.OwnerKey,
		ActiveKey:   req.ActiveKey,
		AccountName: req.AccountName,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
