// Package ticket はチケットのライフサイクル（発行・照会・引き換え）を管理する。
// チケットの状態はすべてプロビジョニングバックエンドが保持し、このパッケージは状態を持たない。
// すべての外部呼び出しでコードを冪等性キーとして扱う。
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/greymass/account-creation-portal/internal/creation"
	"github.com/greymass/account-creation-portal/internal/model"
)

// 発行経路
const (
	PathPaid = "paid"
	PathFree = "free"
)

// Provisioner はプロビジョニングバックエンドのインターフェース。
type Provisioner interface {
	CreateTicket(ctx context.Context, code, productID, comment, email string) error
	VerifyTicket(ctx context.Context, code string) (*model.TicketInfo, error)
	CheckAccountName(ctx context.Context, productID, accountName, code string) bool
	CreateAccount(ctx context.Context, code, productID, ownerKey, activeKey, accountName string) error
	FreeAccountAvailable(ctx context.Context, email string) bool
}

// Notifier はチケット発行後の通知をスケジュールするインターフェース。
// 呼び出しは送信完了を待たずに戻らなければならない。
type Notifier interface {
	NotifyTicketIssued(email, requestToken string)
}

// Metrics はライフサイクルの計測インターフェース。
type Metrics interface {
	RecordTicketIssued(path string)
	RecordDuplicateDelivery()
	RecordAccountCreated()
}

// Config はManagerの設定。
type Config struct {
	BuoyURL       string // login_url生成用
	ActivationURL string // 鍵を持たない利用者のリダイレクト先
}

// Manager はチケットライフサイクルを管理する。
type Manager struct {
	provisioner Provisioner
	products    *ProductResolver
	notifier    Notifier
	metrics     Metrics
	config      Config
	logger      *slog.Logger
}

// NewManager はManagerを生成する。notifierとmetricsはnilでもよい。
func NewManager(provisioner Provisioner, products *ProductResolver, notifier Notifier, metrics Metrics, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	config.ActivationURL = strings.TrimRight(config.ActivationURL, "/")
	return &Manager{
		provisioner: provisioner,
		products:    products,
		notifier:    notifier,
		metrics:     metrics,
		config:      config,
		logger:      logger,
	}
}

// HandlePaymentEvent は検証済みの決済イベントからチケットを発行する。
// 同じイベントの再配信ではバックエンドがコード重複を返すため、それを成功として扱う。
// それ以外の失敗はエラーとして返し、呼び出し元（Webhook）の再配信に委ねる。
func (m *Manager) HandlePaymentEvent(ctx context.Context, event *model.PaymentEvent) error {
	if event.Type != model.CheckoutSessionCompleted {
		m.logger.Debug("ignoring payment event", slog.String("type", event.Type), slog.String("event_id", event.EventID))
		return nil
	}

	// 1. 支払い済みのイベントのみ受け付ける
	if event.PaymentStatus != model.PaymentStatusPaid {
		return model.ErrNotPaid
	}

	// 2. 不正・偽造されたメタデータに対する最低限の検証
	if !creation.ValidCode(event.Code) {
		return model.ErrInvalidCode
	}
	if event.SextantID == "" {
		return model.ErrMissingSextantID
	}

	// 3. チケットを発行する。コード重複は以前の配信で発行済みとみなす
	err := m.provisioner.CreateTicket(ctx, event.Code, event.SextantID, "stripe "+event.SessionID, "")
	switch {
	case err == nil:
		m.logger.Info("ticket issued",
			slog.String("path", PathPaid),
			slog.String("session_id", event.SessionID),
			slog.String("event_id", event.EventID),
		)
		m.recordIssued(PathPaid)
	case errors.Is(err, model.ErrTicketExists):
		m.logger.Warn("ticket already issued for code, treating delivery as duplicate",
			slog.String("session_id", event.SessionID),
			slog.String("event_id", event.EventID),
		)
		if m.metrics != nil {
			m.metrics.RecordDuplicateDelivery()
		}
	default:
		return fmt.Errorf("failed to create ticket: %w", err)
	}

	// 4. 通知は付随処理。失敗してもチケット発行は取り消さない
	if event.CustomerEmail != "" && event.RequestToken != "" && m.notifier != nil {
		m.notifier.NotifyTicketIssued(event.CustomerEmail, event.RequestToken)
	}

	return nil
}

// IssueFreeTicket は認証済みユーザーに無料チケットを発行し、リダイレクト先を返す。
// 利用者操作による呼び出しのため重複排除は行わず、呼び出しごとに新しいコードを採番する。
func (m *Manager) IssueFreeTicket(ctx context.Context, identity *model.Identity, query url.Values) (string, error) {
	// 1. 認証済みであること
	if identity == nil {
		return "", model.ErrUnauthorized
	}
	// 2. チケット送付先のメールアドレスが必須
	if identity.Email == "" {
		return "", model.ErrForbidden
	}

	// 3. リクエストを採番し、プロビジョニング商品IDを解決する
	req, err := creation.New(creation.Request{
		LoginScope: query.Get("scope"),
		ReturnPath: query.Get("return_url"),
	}, m.config.BuoyURL)
	if err != nil {
		return "", err
	}

	productID, err := m.products.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve product id: %w", err)
	}

	// 4. チケットを発行する
	comment := fmt.Sprintf("free account - %s login", identity.Provider)
	if err := m.provisioner.CreateTicket(ctx, req.Code, productID, comment, identity.Email); err != nil {
		return "", fmt.Errorf("failed to create free ticket: %w", err)
	}
	m.logger.Info("ticket issued",
		slog.String("path", PathFree),
		slog.String("provider", string(identity.Provider)),
	)
	m.recordIssued(PathFree)

	// 5. 鍵がクエリにあれば作成画面へ、なければ外部のアクティベーションURLへ
	token := creation.Encode(req)
	if query.Get("owner_key") != "" || query.Get("active_key") != "" {
		return "/create?ticket=" + token + "&" + query.Encode(), nil
	}
	return m.config.ActivationURL + "/activate/" + token, nil
}

// FreeAccountAvailable はユーザーが無料アカウントの対象かを返す。
func (m *Manager) FreeAccountAvailable(ctx context.Context, identity *model.Identity) (bool, error) {
	if identity == nil {
		return false, model.ErrUnauthorized
	}
	if identity.Email == "" {
		return false, nil
	}
	return m.provisioner.FreeAccountAvailable(ctx, identity.Email), nil
}

// VerifyTicket はコードまたはエンコード済みリクエストからチケット情報を取得する。
func (m *Manager) VerifyTicket(ctx context.Context, codeOrToken string) (*model.TicketInfo, error) {
	code, err := creation.ResolveCode(codeOrToken)
	if err != nil {
		return nil, model.ErrTicketNotFound
	}
	return m.provisioner.VerifyTicket(ctx, code)
}

// CheckAccountName はチケットに紐づけてアカウント名の利用可否を返す。
// 有効なチケットなしでの名前の探索を防ぐため、チケット参照を必須とする。
func (m *Manager) CheckAccountName(ctx context.Context, productID, accountName, ticketRef string) (bool, error) {
	if productID == "" || accountName == "" || ticketRef == "" {
		return false, model.ErrMissingParameters
	}
	code, err := creation.ResolveCode(ticketRef)
	if err != nil {
		return false, model.ErrInvalidTicket
	}
	return m.provisioner.CheckAccountName(ctx, productID, accountName, code), nil
}

// CreateAccount はチケットを引き換えてアカウントを作成する。
// 名前の確認は作成前に必ず行うが、確認と作成の間の競合はバックエンドの一意性制約に委ねる。
// 作成の失敗はそのまま返し、再試行しない。
func (m *Manager) CreateAccount(ctx context.Context, req model.AccountRequest) error {
	ref := req.Ticket
	if ref == "" {
		ref = req.Code
	}
	if ref == "" || req.ProductID == "" || req.OwnerKey == "" || req.ActiveKey == "" || req.AccountName == "" {
		return model.ErrMissingParameters
	}

	code, err := creation.ResolveCode(ref)
	if err != nil {
		return model.ErrInvalidTicket
	}

	// 1. 名前の利用可否を確認
	if !m.provisioner.CheckAccountName(ctx, req.ProductID, req.AccountName, code) {
		return model.ErrAccountNameTaken
	}

	// 2. アカウントを作成
	if err := m.provisioner.CreateAccount(ctx, code, req.ProductID, req.OwnerKey, req.ActiveKey, req.AccountName); err != nil {
		return err
	}

	m.logger.Info("account created", slog.String("account_name", req.AccountName), slog.String("product_id", req.ProductID))
	if m.metrics != nil {
		m.metrics.RecordAccountCreated()
	}
	return nil
}

func (m *Manager) recordIssued(path string) {
	if m.metrics != nil {
		m.metrics.RecordTicketIssued(path)
	}
}
