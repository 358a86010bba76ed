// Package banxa はトークン購入注文を中継するBanxa APIクライアントを提供する。
package banxa

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	// DefaultURL はBanxaのサンドボックス環境。
	DefaultURL = "https://anchorwallet.banxa-sandbox.com"

	ordersPath = "/api/orders"
)

// ErrNotConfigured はAPIシークレットが未設定の場合に返す。
var ErrNotConfigured = errors.New("banxa api secret is not configured")

// OrderParams は注文作成時に中継するフィールド。これ以外のフィールドは転送しない。
type OrderParams struct {
	WalletAddress      string `json:"wallet_address"`
	FiatCode           string `json:"fiat_code"`
	ReturnURLOnSuccess string `json:"return_url_on_success"`
	AccountReference   string `json:"account_reference"`
	CoinCode           string `json:"coin_code"`
	ReturnURLOnFailure string `json:"return_url_on_failure"`
	IframeDomain       string `json:"iframe_domain"`
}

// Config はBanxaクライアントの設定。
type Config struct {
	URL    string
	Key    string
	Secret string
}

// Client はBanxa APIのクライアント。
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient はClientを生成する。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	config.URL = strings.TrimRight(config.URL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, httpClient: httpClient, logger: logger, now: time.Now}
}

// CreateOrder は注文を作成し、Banxaのレスポンスをそのまま返す。
func (c *Client) CreateOrder(ctx context.Context, params OrderParams) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, ordersPath, params)
}

type errorBody struct {
	Errors struct {
		Title string `json:"title"`
	} `json:"errors"`
}

func (c *Client) call(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	if c.config.Secret == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode banxa request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create banxa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authorization(method, path, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("banxa request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read banxa response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		reason := "unknown banxa error"
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Errors.Title != "" {
			reason = eb.Errors.Title
		}
		c.logger.Warn("banxa returned error status",
			slog.Int("http_status", resp.StatusCode),
			slog.String("reason", reason),
		)
		return nil, &model.GatewayError{Gateway: "banxa", StatusCode: resp.StatusCode, Reason: reason}
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil, nil
	}
	return json.RawMessage(respBody), nil
}

// authorization は "Bearer <key>:<signature>:<timestamp>" を組み立てる。
// 署名対象は "METHOD\npath\ntimestamp\nbody" のHMAC-SHA256。
func (c *Client) authorization(method, path string, body []byte) string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	return "Bearer " + c.config.Key + ":" + Sign(c.config.Secret, method, path, ts, body) + ":" + ts
}

// Sign はリクエストのHMAC-SHA256署名を16進で返す。
func Sign(secret, method, path, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "\n" + path + "\n" + ts + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
