package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/greymass/account-creation-portal/internal/model"
)

func TestAccountHandler_Check(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		available bool
		wantRef   string
	}{
		{"利用可能", `{"productId":"prod_1","accountName":"alice","ticket":"tok"}`, true, "tok"},
		{"利用済み", `{"productId":"prod_1","accountName":"taken","ticket":"tok"}`, false, "tok"},
		{"codeで参照", `{"productId":"prod_1","accountName":"alice","code":"ABCDEFGHIJ"}`, true, "ABCDEFGHIJ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRef string
			svc := &mockTicketService{
				checkAccountNameFn: func(ctx context.Context, productID, accountName, ticketRef string) (bool, error) {
					gotRef = ticketRef
					return tt.available, nil
				},
			}
			h := NewAccountHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/accounts/check", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Check(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var body map[string]bool
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("レスポンスのデコードに失敗: %v", err)
			}
			if body["nameAvailable"] != tt.available {
				t.Errorf("nameAvailable = %v, want %v", body["nameAvailable"], tt.available)
			}
			if gotRef != tt.wantRef {
				t.Errorf("チケット参照 = %q, want %q", gotRef, tt.wantRef)
			}
		})
	}
}

func TestAccountHandler_Check_MissingTicket_Returns400(t *testing.T) {
	svc := &mockTicketService{
		checkAccountNameFn: func(ctx context.Context, productID, accountName, ticketRef string) (bool, error) {
			if ticketRef == "" {
				return false, model.ErrMissingParameters
			}
			return true, nil
		},
	}
	h := NewAccountHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/check", strings.NewReader(`{"productId":"prod_1","accountName":"alice"}`))
	w := httptest.NewRecorder()
	h.Check(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAccountHandler_Check_InvalidJSON_Returns400(t *testing.T) {
	h := NewAccountHandler(&mockTicketService{})

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/check", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.Check(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAccountHandler_Create_Success(t *testing.T) {
	var got model.AccountRequest
	svc := &mockTicketService{
		createAccountFn: func(ctx context.Context, req model.AccountRequest) error {
			got = req
			return nil
		},
	}
	h := NewAccountHandler(svc)

	body := `{"ticket":"tok","productId":"prod_1","activeKey":"PUB_K1_a","ownerKey":"PUB_K1_o","accountName":"alice"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/create", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]bool
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp["success"] {
		t.Error("success = false, want true")
	}

	want := model.AccountRequest{Ticket: "tok", ProductID: "prod_1", ActiveKey: "PUB_K1_a", OwnerKey: "PUB_K1_o", AccountName: "alice"}
	if got != want {
		t.Errorf("CreateAccount の引数 = %+v, want %+v", got, want)
	}
}

func TestAccountHandler_Create_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"パラメータ不足", model.ErrMissingParameters, http.StatusBadRequest},
		{"不正なチケット", model.ErrInvalidTicket, http.StatusNotFound},
		{"名前が利用済み", model.ErrAccountNameTaken, http.StatusConflict},
		{"バックエンドの失敗", &model.GatewayError{Gateway: "sextant", StatusCode: 400, Reason: "Ticket already used"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockTicketService{
				createAccountFn: func(ctx context.Context, req model.AccountRequest) error {
					return tt.err
				},
			}
			h := NewAccountHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/accounts/create", strings.NewReader(`{"ticket":"tok"}`))
			w := httptest.NewRecorder()
			h.Create(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseErrorBody(t, w); body.Error == "" {
				t.Error("error フィールドが空")
			}
		})
	}
}
