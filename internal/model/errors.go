// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ドメインエラー。呼び出し側は errors.Is で判定する。
var (
	// 入力検証
	ErrMissingParameters = errors.New("missing required parameters")
	ErrInvalidCode       = errors.New("invalid code")
	ErrNotPaid           = errors.New("not paid")
	ErrMissingSextantID  = errors.New("missing sextant id")
	ErrMalformedToken    = errors.New("malformed creation request")
	ErrMissingCode       = errors.New("creation request is missing code")

	// 署名
	ErrInvalidSignature = errors.New("invalid signature")

	// 認証
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrMissingAuthCode      = errors.New("missing authorization code")
	ErrTokenExchange        = errors.New("token exchange failed")
	ErrIdentityVerification = errors.New("identity verification failed")
	ErrUnknownProvider      = errors.New("unknown identity provider")

	// 外部システム上のリソース
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrPriceNotFound    = errors.New("no price info")
	ErrTicketExists     = errors.New("ticket code exists")
	ErrAccountNameTaken = errors.New("account name is not available")
	ErrInvalidTicket    = errors.New("invalid ticket")

	// ゲートウェイ
	ErrGatewayTimeout = errors.New("gateway timeout")
)

// GatewayError は外部ゲートウェイの非2xx応答を表す。
// 上流のステータスと理由をそのまま保持する。
// ドメインエラーへの対応付けは操作を知っている各クライアントが行う。
type GatewayError struct {
	Gateway    string // "sextant", "banxa", "sendgrid" 等
	StatusCode int
	Reason     string
}

// Error はerrorインターフェースを実装する。
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %d - %s", e.Gateway, e.StatusCode, e.Reason)
}

// APIError はHTTP境界で返す統一エラーフォーマットを表す。
type APIError struct {
	Status   int    // HTTPステータス
	Code     string // エラーコード
	Category string // validation, auth, not_found, conflict, gateway, signature, system
	Message  string // クライアントに返すメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeInvalidCode    = "INVALID_CODE"
	ErrCodeNotPaid        = "NOT_PAID"
	ErrCodeMalformedToken = "MALFORMED_TOKEN"
	ErrCodeSignature      = "INVALID_SIGNATURE"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeTicketNotFound = "TICKET_NOT_FOUND"
	ErrCodeProductMissing = "PRODUCT_NOT_FOUND"
	ErrCodeNameTaken      = "ACCOUNT_NAME_TAKEN"
	ErrCodeTicketExists   = "TICKET_EXISTS"
	ErrCodeGateway        = "GATEWAY_ERROR"
	ErrCodeGatewayTimeout = "GATEWAY_TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Classify はドメインエラーをHTTP境界のAPIErrorに変換する。
// 未知のエラーは詳細を隠して500として扱う。
func Classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ErrInvalidSignature):
		return &APIError{Status: http.StatusBadRequest, Code: ErrCodeSignature, Category: "signature", Message: "Invalid signature"}
	case errors.Is(err, ErrInvalidCode):
		return &APIError{Status: http.StatusBadRequest, Code: ErrCodeInvalidCode, Category: "validation", Message: "Invalid code"}
	case errors.Is(err, ErrNotPaid):
		return &APIError{Status: http.StatusBadRequest, Code: ErrCodeNotPaid, Category: "validation", Message: "Not paid"}
	case errors.Is(err, ErrMissingSextantID):
		return &APIError{Status: http.StatusBadRequest, Code: ErrCodeValidation, Category: "validation", Message: "Missing sextant id"}
	case errors.Is(err, ErrMalformedToken), errors.Is(err, ErrMissingCode):
		return &APIError{Status: http.StatusBadRequest, Code: ErrCodeMalformedToken, Category: "validation", Message: "Invalid creation request"}
	case errors.Is(err, ErrMissingParameters), errors.Is(err, ErrMissingAuthCode), errors.Is(err, ErrUnknownProvider):
		return &APIError{Status: http.StatusBadRequest, Code: ErrCodeValidation, Category: "validation", Message: "Missing required parameters"}
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrTokenExchange), errors.Is(err, ErrIdentityVerification):
		return &APIError{Status: http.StatusUnauthorized, Code: ErrCodeUnauthorized, Category: "auth", Message: "Unauthorized"}
	case errors.Is(err, ErrForbidden):
		return &APIError{Status: http.StatusForbidden, Code: ErrCodeForbidden, Category: "auth", Message: "Forbidden"}
	case errors.Is(err, ErrTicketNotFound), errors.Is(err, ErrInvalidTicket):
		return &APIError{Status: http.StatusNotFound, Code: ErrCodeTicketNotFound, Category: "not_found", Message: "Ticket not found"}
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrPriceNotFound):
		return &APIError{Status: http.StatusNotFound, Code: ErrCodeProductMissing, Category: "not_found", Message: "Product not found"}
	case errors.Is(err, ErrAccountNameTaken):
		return &APIError{Status: http.StatusConflict, Code: ErrCodeNameTaken, Category: "conflict", Message: "Account name is not available"}
	case errors.Is(err, ErrTicketExists):
		return &APIError{Status: http.StatusConflict, Code: ErrCodeTicketExists, Category: "conflict", Message: "Ticket code exists"}
	case errors.Is(err, ErrGatewayTimeout):
		return &APIError{Status: http.StatusGatewayTimeout, Code: ErrCodeGatewayTimeout, Category: "gateway", Message: "Upstream service timed out"}
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return &APIError{Status: http.StatusInternalServerError, Code: ErrCodeGateway, Category: "gateway", Message: gwErr.Reason}
	}

	return &APIError{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Category: "system", Message: "Internal Server Error"}
}
