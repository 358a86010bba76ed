// Package auth は外部IdP（Google, Apple）による認証とセッショントークンを提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/greymass/account-creation-portal/internal/model"
)

// Provider は外部IdPのインターフェース。
// どのプロバイダーも最終的に model.Identity に正規化する。
type Provider interface {
	// Name はプロバイダー種別を返す。
	Name() model.Provider
	// LoginURL は認可画面のURLを生成する。
	LoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
	// VerifyIdentity はトークンを検証してIdentityを取り出す。
	VerifyIdentity(ctx context.Context, token *oauth2.Token) (*model.Identity, error)
}

// Resolver は設定済みのプロバイダーからIdentityを解決する。
type Resolver struct {
	providers map[model.Provider]Provider
	logger    *slog.Logger
}

// NewResolver はResolverを生成する。nilのプロバイダーは無視する。
func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		providers: make(map[model.Provider]Provider, len(providers)),
		logger:    logger,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Enabled はプロバイダーが設定済みかを返す。
func (r *Resolver) Enabled(name model.Provider) bool {
	_, ok := r.providers[name]
	return ok
}

// LoginURL は指定プロバイダーの認可URLを返す。
func (r *Resolver) LoginURL(name model.Provider, state string) (string, error) {
	p, ok := r.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownProvider, name)
	}
	return p.LoginURL(state), nil
}

// Resolve は認可コードを検証済みのIdentityに変換する。
// 失敗はすべて終端エラーで、代替のIdentityにフォールバックしない。
func (r *Resolver) Resolve(ctx context.Context, name model.Provider, code string) (*model.Identity, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, name)
	}
	if code == "" {
		return nil, model.ErrMissingAuthCode
	}

	// 1. 認可コードをトークンに交換
	token, err := p.ExchangeCode(ctx, code)
	if err != nil {
		r.logger.Warn("token exchange failed",
			slog.String("provider", string(name)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrTokenExchange, err)
	}

	// 2. トークンを検証してIdentityを取り出す
	identity, err := p.VerifyIdentity(ctx, token)
	if err != nil {
		r.logger.Warn("identity verification failed",
			slog.String("provider", string(name)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrIdentityVerification, err)
	}
	identity.Provider = name

	r.logger.Info("identity resolved", slog.String("provider", string(name)))
	return identity, nil
}
