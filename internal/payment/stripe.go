// Package payment はStripeを使った商品カタログ・チェックアウト・Webhook検証を提供する。
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/greymass/account-creation-portal/internal/creation"
	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	// sextantIDKey は商品メタデータ上のプロビジョニング商品IDのキー。
	sextantIDKey = "sextant_id"
	// chainKey は商品メタデータ上のチェーン名のキー。
	chainKey = "chain"

	// DefaultWebhookTolerance はWebhook署名のタイムスタンプ許容幅。
	DefaultWebhookTolerance = 30 * time.Second

	priceListLimit = 99
)

// Config はStripeゲートウェイの設定。
type Config struct {
	SecretKey        string
	PublishableKey   string
	WebhookSecret    string
	WebhookTolerance time.Duration
	PublicURL        string // success/cancel URLの基点
	BuoyURL          string // login_url生成用
}

// Gateway はStripe APIのラッパー。
type Gateway struct {
	api    *client.API
	config Config
	logger *slog.Logger
}

// NewGateway はGatewayを生成する。backendsがnilの場合はStripe本番APIを使う。
func NewGateway(config Config, backends *stripe.Backends, logger *slog.Logger) *Gateway {
	if config.WebhookTolerance <= 0 {
		config.WebhookTolerance = DefaultWebhookTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		api:    client.New(config.SecretKey, backends),
		config: config,
		logger: logger,
	}
}

// ListActiveProducts はプロビジョニング商品IDが付与された有効な商品を名前順で返す。
func (g *Gateway) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	params := &stripe.ProductListParams{Active: stripe.Bool(true)}
	params.Context = ctx

	var products []*stripe.Product
	iter := g.api.Products.List(params)
	for iter.Next() {
		products = append(products, iter.Product())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	return filterProducts(products), nil
}

// filterProducts は有効かつタグ付きの商品のみを残し、名前の昇順に並べる。
// 同名の商品は元の順序を保つ。
func filterProducts(products []*stripe.Product) []model.Product {
	result := make([]model.Product, 0, len(products))
	for _, p := range products {
		if !isListed(p) {
			continue
		}
		result = append(result, toProduct(p))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// GetProduct は商品と最初の有効な価格を返す。
func (g *Gateway) GetProduct(ctx context.Context, id string) (*model.ProductDetail, error) {
	params := &stripe.ProductParams{}
	params.Context = ctx

	p, err := g.api.Products.Get(id, params)
	if err != nil {
		if isNotFound(err) {
			return nil, model.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if !isListed(p) {
		return nil, model.ErrProductNotFound
	}

	priceParams := &stripe.PriceListParams{
		Product: stripe.String(p.ID),
		Active:  stripe.Bool(true),
	}
	priceParams.Limit = stripe.Int64(priceListLimit)
	priceParams.Context = ctx

	iter := g.api.Prices.List(priceParams)
	var first *stripe.Price
	for iter.Next() {
		first = iter.Price()
		break
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	if first == nil {
		return nil, model.ErrPriceNotFound
	}

	return &model.ProductDetail{
		Product: toProduct(p),
		Price:   toPrice(first),
		Key:     g.config.PublishableKey,
	}, nil
}

// ProductSextantID は商品に付与されたプロビジョニング商品IDを返す。
func (g *Gateway) ProductSextantID(ctx context.Context, productID string) (string, error) {
	params := &stripe.ProductParams{}
	params.Context = ctx

	p, err := g.api.Products.Get(productID, params)
	if err != nil {
		if isNotFound(err) {
			return "", model.ErrProductNotFound
		}
		return "", fmt.Errorf("failed to get product: %w", err)
	}
	id := p.Metadata[sextantIDKey]
	if id == "" {
		return "", model.ErrMissingSextantID
	}
	return id, nil
}

// CreateCheckoutSession は新しいCreationRequestを採番し、チェックアウトセッションを作成する。
// コードとエンコード済みリクエストはセッションと支払いのメタデータ、成功URLの両方に埋め込む。
func (g *Gateway) CreateCheckoutSession(ctx context.Context, priceID string, args creation.Request, cancelPath string) (*model.CheckoutSession, error) {
	// 1. 価格と商品を取得し、プロビジョニング商品IDを確認する
	priceParams := &stripe.PriceParams{}
	priceParams.AddExpand("product")
	priceParams.Context = ctx

	price, err := g.api.Prices.Get(priceID, priceParams)
	if err != nil {
		if isNotFound(err) {
			return nil, model.ErrPriceNotFound
		}
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	if price.Product == nil || price.Product.Metadata[sextantIDKey] == "" {
		return nil, model.ErrMissingSextantID
	}
	sextantID := price.Product.Metadata[sextantIDKey]

	// 2. リクエストを採番してエンコードする
	req, err := creation.New(args, g.config.BuoyURL)
	if err != nil {
		return nil, err
	}
	token := creation.Encode(req)

	origin, err := originOf(g.config.PublicURL)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"code":      req.Code,
		"request":   token,
		"sextantId": sextantID,
	}

	// 3. セッションを作成する
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price.ID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(origin + "/success/" + token),
		CancelURL:  stripe.String(origin + localPath(cancelPath)),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	g.logger.Info("checkout session created",
		slog.String("session_id", s.ID),
		slog.String("sextant_id", sextantID),
	)

	return &model.CheckoutSession{SessionID: s.ID, Key: g.config.PublishableKey}, nil
}

// sessionObject はcheckout.sessionイベントのうち利用するフィールド。
type sessionObject struct {
	ID              string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// VerifyWebhook は署名とタイムスタンプを検証し、決済イベントを返す。
// 検証に失敗した場合は model.ErrInvalidSignature を返す。
func (g *Gateway) VerifyWebhook(payload []byte, header string) (*model.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header, g.config.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.config.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}

	pe := &model.PaymentEvent{
		EventID: event.ID,
		Type:    string(event.Type),
	}
	if pe.Type != model.CheckoutSessionCompleted || event.Data == nil {
		return pe, nil
	}

	var obj sessionObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse checkout session: %w", err)
	}

	pe.SessionID = obj.ID
	pe.PaymentStatus = obj.PaymentStatus
	pe.Code = obj.Metadata["code"]
	pe.SextantID = obj.Metadata["sextantId"]
	pe.RequestToken = obj.Metadata["request"]
	pe.CustomerEmail = obj.CustomerEmail
	if obj.CustomerDetails != nil && obj.CustomerDetails.Email != "" {
		pe.CustomerEmail = obj.CustomerDetails.Email
	}
	return pe, nil
}

// isListed は商品が販売対象かを判定する。
func isListed(p *stripe.Product) bool {
	return p != nil && p.Active && p.Metadata[sextantIDKey] != ""
}

func toProduct(p *stripe.Product) model.Product {
	var image string
	if len(p.Images) > 0 {
		image = p.Images[0]
	}
	return model.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Image:       image,
		Chain:       p.Metadata[chainKey],
		SextantID:   p.Metadata[sextantIDKey],
	}
}

func toPrice(p *stripe.Price) model.Price {
	return model.Price{
		ID:         p.ID,
		UnitAmount: p.UnitAmount,
		Currency:   string(p.Currency),
	}
}

// isNotFound はStripeのresource_missingエラーかを判定する。
func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404
	}
	return false
}

// originOf はURLのスキームとホストのみを返す。
func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid public url: %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// localPath はオープンリダイレクトを防ぐため、同一オリジン内のパスのみを許可する。
func localPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return "/"
	}
	return p
}
