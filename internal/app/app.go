// Package app はポータルの依存関係を組み立て、サブコマンドを実行する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/greymass/account-creation-portal/internal/auth"
	"github.com/greymass/account-creation-portal/internal/banxa"
	"github.com/greymass/account-creation-portal/internal/config"
	"github.com/greymass/account-creation-portal/internal/handler"
	"github.com/greymass/account-creation-portal/internal/logger"
	"github.com/greymass/account-creation-portal/internal/metrics"
	"github.com/greymass/account-creation-portal/internal/middleware"
	"github.com/greymass/account-creation-portal/internal/notify"
	"github.com/greymass/account-creation-portal/internal/payment"
	"github.com/greymass/account-creation-portal/internal/sextant"
	"github.com/greymass/account-creation-portal/internal/telemetry"
	"github.com/greymass/account-creation-portal/internal/ticket"
)

// shutdownTimeout はグレースフルシャットダウンの上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// 3. 設定のログレベルで再構成
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("public_url", cfg.PublicURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

// portal は組み立て済みのHTTPハンドラーと、停止時に後始末が必要なコンポーネントを保持する。
type portal struct {
	handler       http.Handler
	dispatcher    *notify.Dispatcher
	rateLimiter   *middleware.RateLimiter
	shutdownTrace func(context.Context) error
}

// build は設定から全依存関係をワイヤリングする。
// ネットワーク接続は行わないため、外部サービスが停止していても起動できる。
func build(ctx context.Context, cfg *config.Config) (*portal, error) {
	log := slog.Default()

	// 1. トレーシングとメトリクス
	shutdownTrace, err := telemetry.Setup(ctx, logger.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	gatewayClient := &http.Client{Timeout: cfg.GatewayTimeout}

	// 2. 外部ゲートウェイ
	provisioner := sextant.NewClient(sextant.Config{
		URL:        cfg.SextantURL,
		DeviceID:   cfg.SextantDeviceID,
		Version:    cfg.CreatorVersion,
		SigningKey: cfg.SextantKey(),
		Timeout:    cfg.GatewayTimeout,
	}, gatewayClient, log, collector)

	payments := payment.NewGateway(payment.Config{
		SecretKey:        cfg.StripeSecretKey,
		PublishableKey:   cfg.StripePublishableKey,
		WebhookSecret:    cfg.StripeWebhookSecret,
		WebhookTolerance: cfg.StripeWebhookTolerance,
		PublicURL:        cfg.PublicURL,
		BuoyURL:          cfg.BuoyURL,
	}, nil, log)

	orders := banxa.NewClient(banxa.Config{
		URL:    cfg.BanxaURL,
		Key:    cfg.BanxaKey,
		Secret: cfg.BanxaSecret,
	}, gatewayClient, log)

	// 3. 通知（SendGrid未設定の場合は送らない）
	var dispatcher *notify.Dispatcher
	var notifier ticket.Notifier
	mailer := notify.NewSendGridClient(notify.SendGridConfig{
		APIKey:     cfg.SendGridKey,
		TemplateID: cfg.SendGridTemplate,
		From:       cfg.SendGridFrom,
	}, gatewayClient, log)
	if mailer.Enabled() {
		dispatcher = notify.NewDispatcher(mailer, cfg.PublicURL, cfg.GatewayTimeout, log, collector)
		notifier = dispatcher
	} else {
		slog.Warn("SENDGRID_KEY is not set, ticket notifications are disabled")
	}

	// 4. チケットライフサイクル
	products := ticket.NewProductResolver(cfg.SextantProductID, cfg.StripeProductID, payments)
	tickets := ticket.NewManager(provisioner, products, notifier, collector, ticket.Config{
		BuoyURL:       cfg.BuoyURL,
		ActivationURL: cfg.ActivationURL,
	}, log)

	// 5. ログインプロバイダー
	var providers []auth.Provider
	if cfg.GoogleEnabled() {
		providers = append(providers, auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.AuthRedirectURL + "/google",
			HTTPClient:   gatewayClient,
		}))
	}
	if cfg.AppleEnabled() {
		apple, err := auth.NewAppleProvider(auth.AppleConfig{
			ClientID:    cfg.AppleClientID,
			TeamID:      cfg.AppleTeamID,
			KeyID:       cfg.AppleKeyID,
			PrivateKey:  cfg.AppleSecret,
			RedirectURL: cfg.AuthRedirectURL + "/apple",
			HTTPClient:  gatewayClient,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to configure apple login: %w", err)
		}
		providers = append(providers, apple)
	}
	identity := auth.NewResolver(log, providers...)
	sessions := auth.NewSessionCodec(cfg.SessionSecret, cfg.SessionMaxAge)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitPerMinute))

	router := handler.NewRouter(&handler.RouterDeps{
		SessionParser:     sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,
		StatusObserver:    collector,

		Tickets: tickets,

		Payments:        payments,
		WebhookMetrics:  collector,
		StripeProductID: cfg.StripeProductID,

		Identity: identity,
		Sessions: sessions,

		Orders: orders,

		MetricsHandler: metrics.Handler(registry),
	})

	return &portal{
		handler:       router,
		dispatcher:    dispatcher,
		rateLimiter:   rateLimiter,
		shutdownTrace: shutdownTrace,
	}, nil
}

// close はバックグラウンド処理を停止する。
// 送信中の通知を待ってからトレースをフラッシュする。
func (p *portal) close(ctx context.Context) error {
	var errs []error
	if p.dispatcher != nil {
		if err := p.dispatcher.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pending notifications not delivered: %w", err))
		}
	}
	if err := p.shutdownTrace(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
	}
	p.rateLimiter.Stop()
	return errors.Join(errs...)
}

// runServe はHTTPサーバーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	p, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      p.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("portal server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			p.close(context.Background())
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down portal server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := p.close(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}

	slog.Info("portal server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
