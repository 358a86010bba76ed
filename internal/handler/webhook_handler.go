// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/model"
)

// maxWebhookBodyBytes はWebhookボディの上限サイズ。
const maxWebhookBodyBytes = 64 << 10

// stripeSignatureHeader はStripeが署名を載せるヘッダー名。
const stripeSignatureHeader = "Stripe-Signature"

// WebhookVerifierInterface はWebhookの署名検証インターフェース。
type WebhookVerifierInterface interface {
	VerifyWebhook(payload []byte, header string) (*model.PaymentEvent, error)
}

// PaymentEventHandlerInterface は検証済み決済イベントを処理するインターフェース。
type PaymentEventHandlerInterface interface {
	HandlePaymentEvent(ctx context.Context, event *model.PaymentEvent) error
}

// WebhookMetrics はWebhookの拒否を記録するインターフェース。
type WebhookMetrics interface {
	RecordWebhookRejected(reason string)
}

// WebhookHandler は決済WebhookのHTTPハンドラー。
type WebhookHandler struct {
	verifier WebhookVerifierInterface
	events   PaymentEventHandlerInterface
	metrics  WebhookMetrics
}

// NewWebhookHandler はWebhookHandlerを生成する。metricsはnilでもよい。
func NewWebhookHandler(verifier WebhookVerifierInterface, events PaymentEventHandlerInterface, metrics WebhookMetrics) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, metrics: metrics}
}

// HandleStripe はStripeのWebhookを処理する。
// POST /api/stripe/webhook
//
// 署名検証に成功するまでチケット発行には一切触れない。
// 200は処理済み（重複配信を含む）、400は再送しても成功しない入力、500は再送を求める失敗を表す。
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	// 1. ボディを上限付きで読み込む
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.reject(w, r, "body", http.StatusBadRequest, "Invalid stripe event", err)
		return
	}

	// 2. 署名とタイムスタンプを検証
	event, err := h.verifier.VerifyWebhook(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		h.reject(w, r, "signature", http.StatusBadRequest, "Invalid stripe event", err)
		return
	}

	// 3. チケットを発行
	if err := h.events.HandlePaymentEvent(r.Context(), event); err != nil {
		switch {
		case errors.Is(err, model.ErrNotPaid):
			h.reject(w, r, "not_paid", http.StatusBadRequest, "Not paid", err)
		case errors.Is(err, model.ErrInvalidCode):
			h.reject(w, r, "invalid_code", http.StatusBadRequest, "Invalid code", err)
		case errors.Is(err, model.ErrMissingSextantID):
			h.reject(w, r, "missing_sextant_id", http.StatusBadRequest, "Missing sextant id", err)
		default:
			h.reject(w, r, "gateway", http.StatusInternalServerError, "Internal Server Error", err)
		}
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "Ok")
}

func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, reason string, status int, message string, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "stripe webhook rejected",
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	if h.metrics != nil {
		h.metrics.RecordWebhookRejected(reason)
	}
	middleware.WriteJSON(w, status, middleware.ErrorResponseBody{Error: message})
}
