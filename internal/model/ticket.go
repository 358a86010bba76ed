package model

// CheckoutSessionCompleted は決済完了を表すStripeイベント種別。
const CheckoutSessionCompleted = "checkout.session.completed"

// PaymentStatusPaid は支払い済みを表す決済ステータス。
const PaymentStatusPaid = "paid"

// PaymentEvent は検証済みのWebhookから取り出した決済イベントを表す。
type PaymentEvent struct {
	EventID       string
	Type          string
	SessionID     string
	PaymentStatus string
	Code          string // metadata.code
	SextantID     string // metadata.sextantId
	RequestToken  string // metadata.request（エンコード済みCreationRequest）
	CustomerEmail string
}

// TicketInfo はプロビジョニングバックエンドが返すチケット情報。
type TicketInfo struct {
	Name        string `json:"name,omitempty"`
	ProductID   string `json:"productId,omitempty"`
	Premium     string `json:"premium,omitempty"`
	Description string `json:"description,omitempty"`
	ChainID     string `json:"chainId,omitempty"`
}

// AccountRequest はアカウント作成リクエストを表す。
// Ticket と Code のどちらかでチケットを参照する。
type AccountRequest struct {
	Ticket      string
	Code        string
	ProductID   string
	OwnerKey    string
	ActiveKey   string
	AccountName string
}

// Product は販売中の商品を表す。
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image"`
	Chain       string `json:"chain"`
	SextantID   string `json:"sextantId"`
}

// Price は商品の価格情報を表す。
type Price struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unitAmount"`
	Currency   string `json:"currency"`
}

// ProductDetail は商品・価格・公開鍵の組を表す。
type ProductDetail struct {
	Product Product `json:"product"`
	Price   Price   `json:"price"`
	Key     string  `json:"key"`
}

// CheckoutSession は作成済みのチェックアウトセッションを表す。
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}
