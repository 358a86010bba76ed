package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/greymass/account-creation-portal/internal/middleware"
)

// 専用レート制限のスコープ
const (
	rateScopeAccounts = "accounts"
	rateScopeTicket   = "ticket"
)

// TicketLifecycle はチケット発行・引き換えとWebhook処理を一体で提供するサービス。
type TicketLifecycle interface {
	TicketServiceInterface
	PaymentEventHandlerInterface
}

// PaymentGateway は商品カタログ・チェックアウト・Webhook検証を一体で提供するサービス。
type PaymentGateway interface {
	PaymentServiceInterface
	WebhookVerifierInterface
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionParser     middleware.SessionParser
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	StatusObserver    middleware.StatusObserver

	// チケット
	Tickets TicketLifecycle

	// 決済
	Payments        PaymentGateway
	WebhookMetrics  WebhookMetrics
	StripeProductID string

	// 認証
	Identity IdentityResolverInterface
	Sessions SessionCodecInterface

	// トークン購入
	Orders OrderServiceInterface

	// 運用
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Tracing → Logging → Recovery → SecurityHeaders → CORS → Session
//
// /api/tokens/order は外部サイトから呼ばれるため、CORS・セッションのグループの外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewTracingMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	ticketHandler := NewTicketHandler(deps.Tickets)
	accountHandler := NewAccountHandler(deps.Tickets)
	webhookHandler := NewWebhookHandler(deps.Payments, deps.Tickets, deps.WebhookMetrics)
	productHandler := NewProductHandler(deps.Payments, deps.StripeProductID)
	authHandler := NewAuthHandler(deps.Identity, deps.Sessions)
	orderHandler := NewOrderHandler(deps.Orders)

	// --- 運用 ---
	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- トークン購入（オープンCORS） ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOpenCORSMiddleware())
		r.Post("/api/tokens/order", orderHandler.CreateOrder)
		r.Options("/api/tokens/order", orderHandler.CreateOrder)
	})

	// --- ポータル本体 ---
	// ミドルウェアスタック: CORS → Session
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewSessionMiddleware(deps.SessionParser))

		originCheck := middleware.NewOriginCheckMiddleware(deps.CORSAllowedOrigin)

		// 決済Webhook（署名で認証するためオリジン検査・レート制限の対象外）
		r.Post("/api/stripe/webhook", webhookHandler.HandleStripe)

		// 商品カタログとチェックアウト
		r.Get("/api/products", productHandler.ListProducts)
		r.Get("/api/products/{id}", productHandler.GetProduct)
		r.Post("/api/products/session", productHandler.CreateProductSession)
		r.Get("/api/stripe/product", productHandler.GetDefaultProduct)
		r.Post("/api/stripe/session", productHandler.CreateSession)

		// チケット照会
		r.Get("/api/ticket/{code}", ticketHandler.GetTicket)
		r.Get("/api/code/{code}", ticketHandler.GetTicket)
		r.Get("/api/free/available", ticketHandler.FreeAvailable)

		// アカウント作成
		r.Route("/api/accounts", func(r chi.Router) {
			r.Use(deps.RateLimiter.Middleware(rateScopeAccounts))
			r.Post("/check", accountHandler.Check)
			r.Post("/create", accountHandler.Create)
		})

		// 無料チケット発行（フォームPOST）
		r.With(originCheck, deps.RateLimiter.Middleware(rateScopeTicket)).Post("/ticket", ticketHandler.IssueFree)

		// 認証ルート（OAuthフロー）
		r.Route("/auth", func(r chi.Router) {
			r.Get("/{provider}/login", authHandler.Login)
			r.Get("/callback/google", authHandler.CallbackGoogle)
			// Appleはform_postで戻るためクロスサイトのPOSTになる
			r.Post("/callback/apple", authHandler.CallbackApple)
			r.With(originCheck).Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})
	})

	return r
}
