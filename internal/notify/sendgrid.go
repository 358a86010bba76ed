// Package notify はチケット発行後のメール通知を提供する。
// 通知は付随的な処理であり、失敗してもチケット発行を取り消さない。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	// defaultHost はSendGrid APIのホスト。
	defaultHost = "https://api.sendgrid.com"
	// mailSendEndpoint はSendGrid v3のメール送信エンドポイント。
	mailSendEndpoint = "/v3/mail/send"

	// DefaultTemplateID はアカウント作成リンク用の動的テンプレートID。
	DefaultTemplateID = "d-1106a932fc984f14be0230c670820b38"
	// DefaultFrom は既定の送信元アドレス。
	DefaultFrom = "no-reply@greymass.com"
)

// SendGridConfig はSendGridクライアントの設定。
type SendGridConfig struct {
	APIKey     string
	TemplateID string
	From       string
}

// SendGridClient はSendGrid APIのクライアント。
type SendGridClient struct {
	rest   *rest.Client
	logger *slog.Logger
	config SendGridConfig
	host   string // テスト用にホストを差し替え可能
}

// NewSendGridClient はSendGridClientを生成する。
// APIキーが空の場合は送信を行わず、その旨を一度だけログに出す。
func NewSendGridClient(config SendGridConfig, httpClient *http.Client, logger *slog.Logger) *SendGridClient {
	if config.TemplateID == "" {
		config.TemplateID = DefaultTemplateID
	}
	if config.From == "" {
		config.From = DefaultFrom
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.APIKey == "" {
		logger.Warn("SENDGRID_KEY is not set, email notifications are disabled")
	}
	return &SendGridClient{
		rest:   &rest.Client{HTTPClient: httpClient},
		logger: logger,
		config: config,
		host:   defaultHost,
	}
}

// Enabled は送信が有効かを返す。
func (c *SendGridClient) Enabled() bool {
	return c.config.APIKey != ""
}

// errorBody はSendGridのエラーレスポンス。
type errorBody struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SendCreateLink はアカウント作成リンクをテンプレートメールで送信する。
func (c *SendGridClient) SendCreateLink(ctx context.Context, to, createURL string) error {
	if !c.Enabled() {
		return nil
	}

	// 1. 動的テンプレートのメールを組み立てる
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail("", c.config.From))
	m.SetTemplateID(c.config.TemplateID)
	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", to))
	p.SetDynamicTemplateData("createurl", createURL)
	m.AddPersonalizations(p)

	req := sendgrid.GetRequest(c.config.APIKey, mailSendEndpoint, c.host)
	req.Method = rest.Post
	req.Body = mail.GetRequestBody(m)

	// 2. 送信
	resp, err := c.rest.SendWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}

	// 3. 4xx/5xxはGatewayErrorに変換する（再送判定はステータスで行う）
	if resp.StatusCode >= 400 {
		reason := http.StatusText(resp.StatusCode)
		var eb errorBody
		if json.Unmarshal([]byte(resp.Body), &eb) == nil && len(eb.Errors) > 0 && eb.Errors[0].Message != "" {
			reason = eb.Errors[0].Message
		}
		return &model.GatewayError{Gateway: "sendgrid", StatusCode: resp.StatusCode, Reason: reason}
	}
	return nil
}
