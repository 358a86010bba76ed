package handler

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/greymass/account-creation-portal/internal/auth"
	"github.com/greymass/account-creation-portal/internal/creation"
	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
	"github.com/greymass/account-creation-portal/internal/sextant"
	"github.com/greymass/account-creation-portal/internal/ticket"
)

// --- 統合テスト用のステートフルなプロビジョニングバックエンド ---

type createTicketCall struct {
	code, productID, comment, email string
}

// fakeProvisioner はチケットと作成済みアカウントをメモリに保持するプロビジョニングバックエンド。
type fakeProvisioner struct {
	mu       sync.Mutex
	tickets  map[string]string // code -> productID
	accounts map[string]bool
	calls    []createTicketCall
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		tickets:  make(map[string]string),
		accounts: map[string]bool{"taken": true},
	}
}

func (p *fakeProvisioner) CreateTicket(ctx context.Context, code, productID, comment, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, createTicketCall{code, productID, comment, email})
	if _, ok := p.tickets[code]; ok {
		return fmt.Errorf("%w: %w", model.ErrTicketExists, &model.GatewayError{Gateway: "sextant", StatusCode: http.StatusBadRequest, Reason: "Ticket code exists"})
	}
	p.tickets[code] = productID
	return nil
}

func (p *fakeProvisioner) VerifyTicket(ctx context.Context, code string) (*model.TicketInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	productID, ok := p.tickets[code]
	if !ok {
		return nil, fmt.Errorf("%w: %w", model.ErrTicketNotFound, &model.GatewayError{Gateway: "sextant", StatusCode: http.StatusNotFound, Reason: "Ticket not found"})
	}
	return &model.TicketInfo{ProductID: productID, Name: "EOS"}, nil
}

func (p *fakeProvisioner) CheckAccountName(ctx context.Context, productID, accountName, code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.accounts[accountName]
}

func (p *fakeProvisioner) CreateAccount(ctx context.Context, code, productID, ownerKey, activeKey, accountName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tickets[code]; !ok {
		return &model.GatewayError{Gateway: "sextant", StatusCode: http.StatusBadRequest, Reason: "Invalid ticket"}
	}
	p.accounts[accountName] = true
	delete(p.tickets, code)
	return nil
}

func (p *fakeProvisioner) FreeAccountAvailable(ctx context.Context, email string) bool {
	return true
}

func (p *fakeProvisioner) createCalls() []createTicketCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]createTicketCall(nil), p.calls...)
}

// --- 統合テスト用ルーター構築ヘルパー ---

type integrationEnv struct {
	router      http.Handler
	provisioner *fakeProvisioner
	sessions    *auth.SessionCodec
	event       *model.PaymentEvent
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()

	env := &integrationEnv{
		provisioner: newFakeProvisioner(),
		sessions:    auth.NewSessionCodec("integration-secret", time.Hour),
	}

	manager := ticket.NewManager(
		env.provisioner,
		ticket.NewProductResolver("sx_free", "", nil),
		nil, nil,
		ticket.Config{BuoyURL: "https://cb.anchor.link", ActivationURL: "https://whalesplainer.com"},
		nil,
	)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(100))
	t.Cleanup(rl.Stop)

	payments := &mockPaymentService{
		verifyWebhookFn: func(payload []byte, header string) (*model.PaymentEvent, error) {
			if header != "valid" {
				return nil, model.ErrInvalidSignature
			}
			return env.event, nil
		},
	}

	env.router = NewRouter(&RouterDeps{
		SessionParser:     env.sessions,
		CORSAllowedOrigin: testPublicURL,
		RateLimiter:       rl,
		Tickets:           manager,
		Payments:          payments,
		Identity:          &mockIdentityResolver{},
		Sessions:          env.sessions,
		Orders:            &mockOrderService{},
	})
	return env
}

func (env *integrationEnv) deliverWebhook(t *testing.T, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *integrationEnv) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// --- 統合テスト ---

func TestIntegration_PaidWebhookIssuesTicketOnce(t *testing.T) {
	env := newIntegrationEnv(t)
	env.event = paidEvent()

	w := env.deliverWebhook(t, "valid")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	calls := env.provisioner.createCalls()
	if len(calls) != 1 {
		t.Fatalf("CreateTicket 呼び出し回数 = %d, want 1", len(calls))
	}
	if calls[0].code != "ABCDEFGHIJ" || calls[0].productID != "prod_1" {
		t.Errorf("CreateTicket(%q, %q)", calls[0].code, calls[0].productID)
	}
	if !strings.HasPrefix(calls[0].comment, "stripe ") {
		t.Errorf("comment = %q", calls[0].comment)
	}
}

func TestIntegration_DuplicateDeliveryIsAcknowledged(t *testing.T) {
	env := newIntegrationEnv(t)
	env.event = paidEvent()

	first := env.deliverWebhook(t, "valid")
	second := env.deliverWebhook(t, "valid")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d, %d, want 200, 200", first.Code, second.Code)
	}

	// 再配信でもチケットは1件のまま
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ticket/ABCDEFGHIJ", nil))
	if w.Code != http.StatusOK {
		t.Errorf("発行済みチケットの照会 status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestIntegration_UnpaidWebhookIssuesNothing(t *testing.T) {
	env := newIntegrationEnv(t)
	env.event = paidEvent()
	env.event.PaymentStatus = "unpaid"

	w := env.deliverWebhook(t, "valid")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if calls := env.provisioner.createCalls(); len(calls) != 0 {
		t.Errorf("CreateTicket 呼び出し回数 = %d, want 0", len(calls))
	}
}

func TestIntegration_BadSignatureIssuesNothing(t *testing.T) {
	env := newIntegrationEnv(t)
	env.event = paidEvent()

	w := env.deliverWebhook(t, "forged")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if calls := env.provisioner.createCalls(); len(calls) != 0 {
		t.Errorf("CreateTicket 呼び出し回数 = %d, want 0", len(calls))
	}
}

func TestIntegration_UnknownTicketReturns404(t *testing.T) {
	env := newIntegrationEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ticket/UNKNOWNCODE9", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := parseErrorBody(t, w); body.Error != "Ticket not found" {
		t.Errorf("error = %q, want %q", body.Error, "Ticket not found")
	}
}

func TestIntegration_FreeTicketThenRedeem(t *testing.T) {
	env := newIntegrationEnv(t)

	// 1. ログイン済みのセッションCookieで無料チケットを発行
	token, err := env.sessions.Issue(&model.Identity{Email: "alice@example.com", Provider: model.ProviderGoogle})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req := newTicketForm("?owner_key=PUB_K1_o&active_key=PUB_K1_a")
	req.Header.Set("Origin", testPublicURL)
	req.AddCookie(env.sessions.NewSessionCookie(token))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "/create?ticket=") {
		t.Fatalf("Location = %q", loc)
	}

	calls := env.provisioner.createCalls()
	if len(calls) != 1 || calls[0].productID != "sx_free" || calls[0].email != "alice@example.com" {
		t.Fatalf("CreateTicket calls = %+v", calls)
	}
	if calls[0].comment != "free account - google login" {
		t.Errorf("comment = %q", calls[0].comment)
	}

	encoded := strings.TrimPrefix(loc, "/create?ticket=")
	encoded = encoded[:strings.Index(encoded, "&")]
	decoded, err := creation.Decode(encoded)
	if err != nil {
		t.Fatalf("リダイレクト先のリクエストをデコードできない: %v", err)
	}
	if decoded.Code != calls[0].code {
		t.Errorf("リダイレクトのコード = %q, 発行したコード = %q", decoded.Code, calls[0].code)
	}

	// 2. 名前の確認（利用済みの名前は false）
	w = env.postJSON("/api/accounts/check", `{"productId":"sx_free","accountName":"taken","ticket":"`+encoded+`"}`)
	var check map[string]bool
	json.NewDecoder(w.Body).Decode(&check)
	if w.Code != http.StatusOK || check["nameAvailable"] {
		t.Errorf("利用済みの名前: status = %d, nameAvailable = %v", w.Code, check["nameAvailable"])
	}

	// 3. 引き換え
	w = env.postJSON("/api/accounts/create", `{"ticket":"`+encoded+`","productId":"sx_free","ownerKey":"PUB_K1_o","activeKey":"PUB_K1_a","accountName":"alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	// 4. 同じチケットの再利用は失敗する
	w = env.postJSON("/api/accounts/create", `{"ticket":"`+encoded+`","productId":"sx_free","ownerKey":"PUB_K1_o","activeKey":"PUB_K1_a","accountName":"alice2"}`)
	if w.Code == http.StatusOK {
		t.Error("引き換え済みチケットで再作成できてはならない")
	}
}

func TestIntegration_FreeTicketWithoutSessionRedirectsToLogin(t *testing.T) {
	env := newIntegrationEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, newTicketForm("scope=app"))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); !strings.Contains(loc, "error=unauthorized") {
		t.Errorf("Location = %q", loc)
	}
	if calls := env.provisioner.createCalls(); len(calls) != 0 {
		t.Errorf("未認証でチケットを発行してはならない: %+v", calls)
	}
}

func TestIntegration_CreateAccountConflictSurfacesBackendReason(t *testing.T) {
	// 名前確認は通るが、作成時にバックエンドが一意性制約で拒否する
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tickets/check":
			w.WriteHeader(http.StatusOK)
		case "/tickets/create":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"reason":"Account name already registered"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("鍵の生成に失敗: %v", err)
	}
	client := sextant.NewClient(sextant.Config{URL: backend.URL, DeviceID: "device-1", SigningKey: key}, backend.Client(), nil, nil)
	manager := ticket.NewManager(client, ticket.NewProductResolver("sx_free", "", nil), nil, nil, ticket.Config{}, nil)
	h := NewAccountHandler(manager)

	body := `{"code":"ABCDEFGHIJKLMNOP","productId":"prod_1","activeKey":"PUB_K1_a","ownerKey":"PUB_K1_o","accountName":"alice"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/create", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	got := parseErrorBody(t, w)
	if got.Error != "Account name already registered" {
		t.Errorf("error = %q, want バックエンドの理由", got.Error)
	}
	if got.Code == model.ErrCodeTicketExists {
		t.Errorf("code = %q, チケット重複として扱うべきでない", got.Code)
	}
}
