package ticket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greymass/account-creation-portal/internal/creation"
	"github.com/greymass/account-creation-portal/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- モック定義 ---

// fakeLedger はプロビジョニングバックエンドのチケット台帳を模倣する。
// 同じコードの2回目の発行は「Ticket code exists」で失敗する。
type fakeLedger struct {
	mu      sync.Mutex
	tickets map[string]ticketRecord
	calls   []string

	createTicketErr  error
	checkAccountFn   func(productID, accountName, code string) bool
	createAccountErr error
	freeAvailable    bool
	accountCalls     int
}

type ticketRecord struct {
	ProductID string
	Comment   string
	Email     string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tickets: make(map[string]ticketRecord)}
}

func (f *fakeLedger) CreateTicket(_ context.Context, code, productID, comment, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "createTicket "+code)
	if f.createTicketErr != nil {
		return f.createTicketErr
	}
	if _, ok := f.tickets[code]; ok {
		return fmt.Errorf("%w: %w", model.ErrTicketExists, &model.GatewayError{Gateway: "sextant", StatusCode: 400, Reason: "Ticket code exists"})
	}
	f.tickets[code] = ticketRecord{ProductID: productID, Comment: comment, Email: email}
	return nil
}

func (f *fakeLedger) VerifyTicket(_ context.Context, code string) (*model.TicketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tickets[code]
	if !ok {
		return nil, fmt.Errorf("%w: %w", model.ErrTicketNotFound, &model.GatewayError{Gateway: "sextant", StatusCode: 404, Reason: "Not found"})
	}
	return &model.TicketInfo{ProductID: rec.ProductID}, nil
}

func (f *fakeLedger) CheckAccountName(_ context.Context, productID, accountName, code string) bool {
	f.mu.Lock()
	f.calls = append(f.calls, "checkAccountName "+accountName)
	f.mu.Unlock()
	if f.checkAccountFn != nil {
		return f.checkAccountFn(productID, accountName, code)
	}
	return true
}

func (f *fakeLedger) CreateAccount(_ context.Context, code, productID, ownerKey, activeKey, accountName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "createAccount "+accountName)
	f.accountCalls++
	return f.createAccountErr
}

func (f *fakeLedger) FreeAccountAvailable(_ context.Context, email string) bool {
	return f.freeAvailable
}

func (f *fakeLedger) ticketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockNotifier) NotifyTicketIssued(email, requestToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, email+" "+requestToken)
}

type mockMetrics struct {
	issued     map[string]int
	duplicates int
	accounts   int
}

func (m *mockMetrics) RecordTicketIssued(path string) {
	if m.issued == nil {
		m.issued = map[string]int{}
	}
	m.issued[path]++
}
func (m *mockMetrics) RecordDuplicateDelivery() { m.duplicates++ }
func (m *mockMetrics) RecordAccountCreated()    { m.accounts++ }

type mockLookup struct {
	calls atomic.Int32
	id    string
	err   error
	delay time.Duration
}

func (m *mockLookup) ProductSextantID(_ context.Context, productID string) (string, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.id, m.err
}

type fixture struct {
	ledger   *fakeLedger
	notifier *mockNotifier
	metrics  *mockMetrics
	manager  *Manager
	logs     *bytes.Buffer
}

func newFixture() *fixture {
	f := &fixture{
		ledger:   newFakeLedger(),
		notifier: &mockNotifier{},
		metrics:  &mockMetrics{},
		logs:     &bytes.Buffer{},
	}
	products := NewProductResolver("sx_free", "", nil)
	f.manager = NewManager(f.ledger, products, f.notifier, f.metrics, Config{
		BuoyURL:       "https://cb.anchor.link",
		ActivationURL: "https://whalesplainer.example/",
	}, newTestLogger(f.logs))
	return f
}

func paidEvent() *model.PaymentEvent {
	return &model.PaymentEvent{
		EventID:       "evt_1",
		Type:          model.CheckoutSessionCompleted,
		SessionID:     "cs_test_1",
		PaymentStatus: model.PaymentStatusPaid,
		Code:          "ABCDEFGHIJ",
		SextantID:     "prod_1",
		RequestToken:  "tok",
		CustomerEmail: "buyer@example.com",
	}
}

// --- 有料経路 ---

func TestHandlePaymentEvent_IssuesTicket(t *testing.T) {
	f := newFixture()

	if err := f.manager.HandlePaymentEvent(context.Background(), paidEvent()); err != nil {
		t.Fatalf("HandlePaymentEvent がエラーを返した: %v", err)
	}

	rec, ok := f.ledger.tickets["ABCDEFGHIJ"]
	if !ok {
		t.Fatal("チケットが発行されていない")
	}
	if rec.ProductID != "prod_1" || rec.Comment != "stripe cs_test_1" {
		t.Errorf("ticket = %+v", rec)
	}
	if f.metrics.issued[PathPaid] != 1 {
		t.Errorf("issued = %v", f.metrics.issued)
	}
}

func TestHandlePaymentEvent_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.manager.HandlePaymentEvent(ctx, paidEvent()); err != nil {
		t.Fatalf("1回目がエラーを返した: %v", err)
	}
	if err := f.manager.HandlePaymentEvent(ctx, paidEvent()); err != nil {
		t.Fatalf("再配信がエラーを返した: %v", err)
	}

	if got := f.ledger.ticketCount(); got != 1 {
		t.Errorf("チケット数 = %d, want 1", got)
	}
	if len(f.ledger.calls) != 2 {
		t.Errorf("createTicket 呼び出し回数 = %d, want 2", len(f.ledger.calls))
	}
	if f.metrics.duplicates != 1 || f.metrics.issued[PathPaid] != 1 {
		t.Errorf("metrics = %+v", f.metrics)
	}
	if !strings.Contains(f.logs.String(), `"level":"WARN"`) {
		t.Error("重複配信はWARNでログに出すべき")
	}
}

func TestHandlePaymentEvent_OutOfOrderRedelivery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a := paidEvent()
	b := paidEvent()
	b.Code = "KLMNPQRSTUVW"
	b.SessionID = "cs_test_2"

	for _, ev := range []*model.PaymentEvent{b, a, b, a, a} {
		if err := f.manager.HandlePaymentEvent(ctx, ev); err != nil {
			t.Fatalf("HandlePaymentEvent がエラーを返した: %v", err)
		}
	}
	if got := f.ledger.ticketCount(); got != 2 {
		t.Errorf("チケット数 = %d, want 2", got)
	}
}

func TestHandlePaymentEvent_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.PaymentEvent)
		wantErr error
	}{
		{"unpaid", func(e *model.PaymentEvent) { e.PaymentStatus = "unpaid" }, model.ErrNotPaid},
		{"missing code", func(e *model.PaymentEvent) { e.Code = "" }, model.ErrInvalidCode},
		{"short code", func(e *model.PaymentEvent) { e.Code = "ABCDEFGHI" }, model.ErrInvalidCode},
		{"missing sextant id", func(e *model.PaymentEvent) { e.SextantID = "" }, model.ErrMissingSextantID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ev := paidEvent()
			tt.mutate(ev)

			err := f.manager.HandlePaymentEvent(context.Background(), ev)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("エラー = %v, want %v", err, tt.wantErr)
			}
			if len(f.ledger.calls) != 0 {
				t.Errorf("createTicket は呼ばれるべきでない: %v", f.ledger.calls)
			}
			if len(f.notifier.calls) != 0 {
				t.Error("通知は送られるべきでない")
			}
		})
	}
}

func TestHandlePaymentEvent_IgnoresOtherEventTypes(t *testing.T) {
	f := newFixture()
	ev := paidEvent()
	ev.Type = "payment_intent.succeeded"

	if err := f.manager.HandlePaymentEvent(context.Background(), ev); err != nil {
		t.Errorf("対象外イベントはエラーにしない: %v", err)
	}
	if len(f.ledger.calls) != 0 {
		t.Error("対象外イベントで createTicket を呼ぶべきでない")
	}
}

func TestHandlePaymentEvent_GatewayFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.ledger.createTicketErr = &model.GatewayError{Gateway: "sextant", StatusCode: 500, Reason: "db down"}

	err := f.manager.HandlePaymentEvent(context.Background(), paidEvent())
	var gwErr *model.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("GatewayError を返すべき: %v", err)
	}
	if len(f.notifier.calls) != 0 {
		t.Error("発行に失敗した場合は通知すべきでない")
	}
}

func TestHandlePaymentEvent_Notification(t *testing.T) {
	t.Run("sent on first and repeated delivery", func(t *testing.T) {
		f := newFixture()
		f.manager.HandlePaymentEvent(context.Background(), paidEvent())
		f.manager.HandlePaymentEvent(context.Background(), paidEvent())

		if len(f.notifier.calls) != 2 || f.notifier.calls[0] != "buyer@example.com tok" {
			t.Errorf("calls = %v", f.notifier.calls)
		}
	})

	t.Run("skipped without email", func(t *testing.T) {
		f := newFixture()
		ev := paidEvent()
		ev.CustomerEmail = ""
		f.manager.HandlePaymentEvent(context.Background(), ev)
		if len(f.notifier.calls) != 0 {
			t.Errorf("calls = %v", f.notifier.calls)
		}
	})

	t.Run("skipped without request token", func(t *testing.T) {
		f := newFixture()
		ev := paidEvent()
		ev.RequestToken = ""
		f.manager.HandlePaymentEvent(context.Background(), ev)
		if len(f.notifier.calls) != 0 {
			t.Errorf("calls = %v", f.notifier.calls)
		}
	})
}

// --- 無料経路 ---

func TestIssueFreeTicket_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		identity *model.Identity
		wantErr  error
	}{
		{"no session", nil, model.ErrUnauthorized},
		{"no email", &model.Identity{Subject: "s", Provider: model.ProviderApple}, model.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.manager.IssueFreeTicket(context.Background(), tt.identity, url.Values{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("エラー = %v, want %v", err, tt.wantErr)
			}
			if len(f.ledger.calls) != 0 {
				t.Error("createTicket は呼ばれるべきでない")
			}
		})
	}
}

func TestIssueFreeTicket_RedirectsToActivation(t *testing.T) {
	f := newFixture()
	identity := &model.Identity{Email: "u@example.com", Subject: "s", Provider: model.ProviderGoogle}
	query := url.Values{"scope": {"eos"}, "return_url": {"https://wallet.example/back"}}

	redirect, err := f.manager.IssueFreeTicket(context.Background(), identity, query)
	if err != nil {
		t.Fatalf("IssueFreeTicket がエラーを返した: %v", err)
	}

	prefix := "https://whalesplainer.example/activate/"
	if !strings.HasPrefix(redirect, prefix) {
		t.Fatalf("redirect = %q", redirect)
	}
	req, err := creation.Decode(strings.TrimPrefix(redirect, prefix))
	if err != nil {
		t.Fatalf("リダイレクト先のトークンをデコードできない: %v", err)
	}
	if req.LoginScope != "eos" || req.ReturnPath != "https://wallet.example/back" || req.LoginURL == "" {
		t.Errorf("request = %+v", req)
	}

	rec, ok := f.ledger.tickets[req.Code]
	if !ok {
		t.Fatal("リダイレクト先のコードでチケットが発行されていない")
	}
	if rec.ProductID != "sx_free" || rec.Comment != "free account - google login" || rec.Email != "u@example.com" {
		t.Errorf("ticket = %+v", rec)
	}
	if f.metrics.issued[PathFree] != 1 {
		t.Errorf("issued = %v", f.metrics.issued)
	}
}

func TestIssueFreeTicket_RedirectsToCreateWithKeys(t *testing.T) {
	f := newFixture()
	identity := &model.Identity{Email: "u@example.com", Subject: "s", Provider: model.ProviderApple}
	query := url.Values{"owner_key": {"OWNER"}, "active_key": {"ACTIVE"}}

	redirect, err := f.manager.IssueFreeTicket(context.Background(), identity, query)
	if err != nil {
		t.Fatalf("IssueFreeTicket がエラーを返した: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect をパースできない: %v", err)
	}
	if u.Path != "/create" {
		t.Errorf("path = %q, want /create", u.Path)
	}
	if u.Query().Get("owner_key") != "OWNER" || u.Query().Get("active_key") != "ACTIVE" {
		t.Errorf("鍵がクエリに引き継がれていない: %q", redirect)
	}
	req, err := creation.Decode(u.Query().Get("ticket"))
	if err != nil {
		t.Fatalf("ticket をデコードできない: %v", err)
	}
	if _, ok := f.ledger.tickets[req.Code]; !ok {
		t.Error("チケットが発行されていない")
	}
	if f.ledger.tickets[req.Code].Comment != "free account - apple login" {
		t.Errorf("comment = %q", f.ledger.tickets[req.Code].Comment)
	}
}

func TestIssueFreeTicket_DuplicateClicksGetFreshCodes(t *testing.T) {
	f := newFixture()
	identity := &model.Identity{Email: "u@example.com", Subject: "s", Provider: model.ProviderGoogle}

	for i := 0; i < 3; i++ {
		if _, err := f.manager.IssueFreeTicket(context.Background(), identity, url.Values{}); err != nil {
			t.Fatalf("IssueFreeTicket がエラーを返した: %v", err)
		}
	}
	if got := f.ledger.ticketCount(); got != 3 {
		t.Errorf("チケット数 = %d, want 3", got)
	}
}

func TestFreeAccountAvailable(t *testing.T) {
	f := newFixture()
	f.ledger.freeAvailable = true

	if _, err := f.manager.FreeAccountAvailable(context.Background(), nil); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("未認証はErrUnauthorized: %v", err)
	}
	ok, err := f.manager.FreeAccountAvailable(context.Background(), &model.Identity{Email: "u@example.com"})
	if err != nil || !ok {
		t.Errorf("FreeAccountAvailable() = %v, %v", ok, err)
	}
	ok, _ = f.manager.FreeAccountAvailable(context.Background(), &model.Identity{Subject: "s"})
	if ok {
		t.Error("メールアドレスが無ければ対象外")
	}
}

// --- 照会・引き換え ---

func TestVerifyTicket(t *testing.T) {
	f := newFixture()
	f.manager.HandlePaymentEvent(context.Background(), paidEvent())

	info, err := f.manager.VerifyTicket(context.Background(), "ABCDEFGHIJ")
	if err != nil || info.ProductID != "prod_1" {
		t.Errorf("VerifyTicket(code) = %+v, %v", info, err)
	}

	token := creation.Encode(creation.Request{Code: "ABCDEFGHIJ"})
	if _, err := f.manager.VerifyTicket(context.Background(), token); err != nil {
		t.Errorf("エンコード済みリクエストでも照会できるべき: %v", err)
	}

	if _, err := f.manager.VerifyTicket(context.Background(), "UNKNOWNCODE1"); !errors.Is(err, model.ErrTicketNotFound) {
		t.Errorf("未知のコード: %v, want ErrTicketNotFound", err)
	}
	if _, err := f.manager.VerifyTicket(context.Background(), "bad/../x"); !errors.Is(err, model.ErrTicketNotFound) {
		t.Errorf("不正なコード: %v, want ErrTicketNotFound", err)
	}
}

func TestCheckAccountName(t *testing.T) {
	f := newFixture()
	f.ledger.checkAccountFn = func(_, name, code string) bool {
		return name != "taken" && code == "ABCDEFGHIJ"
	}
	token := creation.Encode(creation.Request{Code: "ABCDEFGHIJ"})

	ok, err := f.manager.CheckAccountName(context.Background(), "prod_1", "alice", token)
	if err != nil || !ok {
		t.Errorf("available name: %v, %v", ok, err)
	}
	ok, err = f.manager.CheckAccountName(context.Background(), "prod_1", "taken", token)
	if err != nil || ok {
		t.Errorf("taken name: %v, %v", ok, err)
	}
	if _, err := f.manager.CheckAccountName(context.Background(), "prod_1", "alice", ""); !errors.Is(err, model.ErrMissingParameters) {
		t.Errorf("チケットなし: %v, want ErrMissingParameters", err)
	}
	if _, err := f.manager.CheckAccountName(context.Background(), "prod_1", "alice", "short"); !errors.Is(err, model.ErrInvalidTicket) {
		t.Errorf("不正なチケット: %v, want ErrInvalidTicket", err)
	}
}

func TestCreateAccount_NameTakenNeverCallsCreate(t *testing.T) {
	f := newFixture()
	f.ledger.checkAccountFn = func(_, name, _ string) bool { return false }

	err := f.manager.CreateAccount(context.Background(), model.AccountRequest{
		Code: "ABCDEFGHIJ", ProductID: "prod_1", OwnerKey: "O", ActiveKey: "A", AccountName: "taken",
	})
	if !errors.Is(err, model.ErrAccountNameTaken) {
		t.Errorf("エラー = %v, want ErrAccountNameTaken", err)
	}
	if f.ledger.accountCalls != 0 {
		t.Error("名前が使用済みの場合は createAccount を呼ぶべきでない")
	}
}

func TestCreateAccount_ChecksBeforeCreate(t *testing.T) {
	f := newFixture()
	token := creation.Encode(creation.Request{Code: "ABCDEFGHIJ", OwnerKey: "O"})

	err := f.manager.CreateAccount(context.Background(), model.AccountRequest{
		Ticket: token, ProductID: "prod_1", OwnerKey: "O", ActiveKey: "A", AccountName: "alice",
	})
	if err != nil {
		t.Fatalf("CreateAccount がエラーを返した: %v", err)
	}

	want := []string{"checkAccountName alice", "createAccount alice"}
	if len(f.ledger.calls) != 2 || f.ledger.calls[0] != want[0] || f.ledger.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", f.ledger.calls, want)
	}
	if f.metrics.accounts != 1 {
		t.Errorf("accounts = %d", f.metrics.accounts)
	}
}

func TestCreateAccount_Errors(t *testing.T) {
	base := model.AccountRequest{Code: "ABCDEFGHIJ", ProductID: "prod_1", OwnerKey: "O", ActiveKey: "A", AccountName: "alice"}

	t.Run("missing parameters", func(t *testing.T) {
		f := newFixture()
		req := base
		req.OwnerKey = ""
		if err := f.manager.CreateAccount(context.Background(), req); !errors.Is(err, model.ErrMissingParameters) {
			t.Errorf("エラー = %v", err)
		}
	})

	t.Run("invalid ticket", func(t *testing.T) {
		f := newFixture()
		req := base
		req.Code = "x"
		if err := f.manager.CreateAccount(context.Background(), req); !errors.Is(err, model.ErrInvalidTicket) {
			t.Errorf("エラー = %v", err)
		}
	})

	t.Run("backend failure surfaces verbatim", func(t *testing.T) {
		f := newFixture()
		upstream := &model.GatewayError{Gateway: "sextant", StatusCode: 400, Reason: "Ticket already used"}
		f.ledger.createAccountErr = upstream
		err := f.manager.CreateAccount(context.Background(), base)
		if err != upstream {
			t.Errorf("エラー = %v, want upstream error as is", err)
		}
		if f.ledger.accountCalls != 1 {
			t.Errorf("再試行すべきでない: calls = %d", f.ledger.accountCalls)
		}
	})
}
