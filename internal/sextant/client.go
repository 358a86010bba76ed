// Package sextant はプロビジョニングバックエンド（Sextant）のAPIクライアントを提供する。
// すべての呼び出しはリクエストボディへの署名付きで送信する。
// バックエンドは各操作の冪等性を保証していないため、このクライアントは自動リトライを行わない。
package sextant

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	// gatewayName はエラーやメトリクスで使うゲートウェイ名。
	gatewayName = "sextant"

	// SignatureHeader はリクエスト署名を載せるヘッダー名。
	SignatureHeader = "X-Request-Sig"
	// RequestIDHeader はリクエストIDを載せるヘッダー名。
	RequestIDHeader = "X-Request-ID"

	// ticketExistsReason はコード重複時にバックエンドが返す理由文字列。
	ticketExistsReason = "Ticket code exists"

	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// Config はSextantクライアントの設定。
type Config struct {
	URL        string
	DeviceID   string
	Version    string
	SigningKey *ecdsa.PrivateKey
	Timeout    time.Duration // 1呼び出しあたりの上限。0の場合は10秒
}

// Recorder はゲートウェイ呼び出しの結果を記録するインターフェース。
type Recorder interface {
	RecordGatewayCall(gateway, op string, duration time.Duration, err error)
}

// Client はSextant APIのクライアント。
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder
}

// NewClient はClientを生成する。recorderはnilでもよい。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger, recorder Recorder) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	config.URL = strings.TrimRight(config.URL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		recorder:   recorder,
	}
}

// CreateTicket はコードに対するチケットを発行する。
// コードが既に使用済みの場合は model.ErrTicketExists に一致するエラーを返す。
func (c *Client) CreateTicket(ctx context.Context, code, productID, comment, email string) error {
	body := struct {
		Code      string `json:"code"`
		ProductID string `json:"productId"`
		Comment   string `json:"comment"`
		Email     string `json:"email,omitempty"`
	}{code, productID, comment, email}

	err := c.call(ctx, "create_ticket", "/tickets/new", body, nil)
	var gwErr *model.GatewayError
	if errors.As(err, &gwErr) && (gwErr.Reason == ticketExistsReason || gwErr.StatusCode == http.StatusConflict) {
		return fmt.Errorf("%w: %w", model.ErrTicketExists, err)
	}
	return err
}

// VerifyTicket はコードに対応するチケット情報を取得する。
// 存在しない場合は model.ErrTicketNotFound に一致するエラーを返す。
func (c *Client) VerifyTicket(ctx context.Context, code string) (*model.TicketInfo, error) {
	body := struct {
		Code     string `json:"code"`
		DeviceID string `json:"deviceId"`
		Version  string `json:"version"`
	}{code, c.config.DeviceID, c.config.Version}

	var info model.TicketInfo
	if err := c.call(ctx, "verify_ticket", "/tickets/verify", body, &info); err != nil {
		var gwErr *model.GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", model.ErrTicketNotFound, err)
		}
		return nil, err
	}
	return &info, nil
}

// CheckAccountName はチケットに紐づけてアカウント名の利用可否を確認する。
// バックエンドの状態が不確かな場合に利用可能と答えないよう、いかなるエラーもfalseとして扱う。
func (c *Client) CheckAccountName(ctx context.Context, productID, accountName, code string) bool {
	body := struct {
		Name      string `json:"name"`
		Code      string `json:"code"`
		DeviceID  string `json:"deviceId"`
		ProductID string `json:"productId"`
		Version   string `json:"version"`
	}{accountName, code, c.config.DeviceID, productID, c.config.Version}

	if err := c.call(ctx, "check_account_name", "/tickets/check", body, nil); err != nil {
		c.logger.Info("account name reported unavailable",
			slog.String("account_name", accountName),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// CreateAccount はチケットを消費してアカウントを作成する。
// コードが空の場合は model.ErrInvalidTicket を返す。
func (c *Client) CreateAccount(ctx context.Context, code, productID, ownerKey, activeKey, accountName string) error {
	if code == "" {
		return model.ErrInvalidTicket
	}

	body := struct {
		ProductID   string `json:"productId"`
		ActiveKey   string `json:"activeKey"`
		OwnerKey    string `json:"ownerKey"`
		AccountName string `json:"accountName"`
		DeviceID    string `json:"deviceId"`
		Version     string `json:"version"`
		Code        string `json:"code"`
	}{productID, activeKey, ownerKey, accountName, c.config.DeviceID, c.config.Version, code}

	return c.call(ctx, "create_account", "/tickets/create", body, nil)
}

// FreeAccountAvailable はメールアドレスが無料アカウントの対象かを確認する。
// エラー時はfalseを返す。
func (c *Client) FreeAccountAvailable(ctx context.Context, email string) bool {
	body := struct {
		Email string `json:"email"`
	}{email}

	if err := c.call(ctx, "free_account_available", "/tickets/free", body, nil); err != nil {
		c.logger.Info("free account not available", slog.String("error", err.Error()))
		return false
	}
	return true
}

// errorBody はSextantのエラーレスポンス。
type errorBody struct {
	Reason string `json:"reason"`
}

// call は署名付きPOSTを送信し、JSONレスポンスがあればoutにデコードする。
func (c *Client) call(ctx context.Context, op, path string, payload any, out any) (err error) {
	ctx, span := otel.Tracer("sextant").Start(ctx, "sextant."+op)
	defer span.End()

	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.RecordGatewayCall(gatewayName, op, time.Since(start), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	// 1. ボディをシリアライズし、そのバイト列に署名する
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	signature, err := c.sign(body)
	if err != nil {
		return fmt.Errorf("failed to sign %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(RequestIDHeader, requestID)
	span.SetAttributes(attribute.String("sextant.request_id", requestID))

	// 2. 送信
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: sextant %s", model.ErrGatewayTimeout, op)
		}
		return fmt.Errorf("sextant %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: sextant %s", model.ErrGatewayTimeout, op)
		}
		return fmt.Errorf("failed to read sextant %s response: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// 3. 非200はreasonを取り出してGatewayErrorに変換する
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if jsonErr := json.Unmarshal(respBody, &eb); jsonErr != nil || eb.Reason == "" {
			eb.Reason = "unknown sextant error"
		}
		c.logger.Warn("sextant returned error status",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("reason", eb.Reason),
			slog.String("request_id", requestID),
		)
		return &model.GatewayError{Gateway: gatewayName, StatusCode: resp.StatusCode, Reason: eb.Reason}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse sextant %s response: %w", op, err)
	}
	return nil
}

// sign はボディのES256署名をbase64urlで返す。
func (c *Client) sign(body []byte) (string, error) {
	if c.config.SigningKey == nil {
		return "", errors.New("sextant signing key is not configured")
	}
	sig, err := jwt.SigningMethodES256.Sign(string(body), c.config.SigningKey)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifySignature は署名ヘッダーの値がボディに対する正しい署名かを検証する。
// バックエンド側のスタブやテストで利用する。
func VerifySignature(body []byte, header string, key *ecdsa.PublicKey) error {
	sig, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	if err := jwt.SigningMethodES256.Verify(string(body), sig, key); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	return nil
}

// isTimeout はエラーがタイムアウトによるものかを判定する。
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
