package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
)

// 受け入れる署名アルゴリズム
var supportedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256,
}

var (
	errUnknownKey = errors.New("public key not found for kid")
	errNoKid      = errors.New("kid not found in token header")
)

const defaultKeyCacheTTL = time.Hour

// KeySet はJWKSを取得・キャッシュし、JWSの署名を検証する。
// 未知のkidを受け取った場合はキャッシュ期限内でも再取得する。
type KeySet struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	cacheTTL   time.Duration
	maxTries   uint

	mu        sync.RWMutex
	keySet    *jose.JSONWebKeySet
	lastFetch time.Time
}

// NewKeySet はKeySetを生成する。初回の取得は最初の検証時に行う。
func NewKeySet(url string, httpClient *http.Client, logger *slog.Logger) *KeySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeySet{
		url:        url,
		httpClient: httpClient,
		logger:     logger,
		cacheTTL:   defaultKeyCacheTTL,
		maxTries:   3,
	}
}

// Verify はJWSの署名を検証し、ペイロードを返す。
func (k *KeySet) Verify(ctx context.Context, token string) ([]byte, error) {
	tok, err := jose.ParseSigned(token, supportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if len(tok.Signatures) == 0 {
		return nil, fmt.Errorf("no signatures in token")
	}
	kid := tok.Signatures[0].Header.KeyID
	if kid == "" {
		return nil, errNoKid
	}

	key, err := k.key(ctx, kid)
	if err != nil {
		return nil, err
	}

	payload, err := tok.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, nil
}

// key はkidに対応する鍵を返す。
func (k *KeySet) key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	k.mu.RLock()
	fresh := k.keySet != nil && time.Since(k.lastFetch) < k.cacheTTL
	var found []jose.JSONWebKey
	if k.keySet != nil {
		found = k.keySet.Key(kid)
	}
	k.mu.RUnlock()

	if fresh && len(found) > 0 {
		return &found[0], nil
	}

	// 期限切れまたは未知のkid: 再取得する
	if err := k.refresh(ctx); err != nil {
		if len(found) > 0 {
			k.logger.Warn("JWKS refresh failed, using cached keys", slog.String("error", err.Error()))
			return &found[0], nil
		}
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	k.mu.RLock()
	found = k.keySet.Key(kid)
	k.mu.RUnlock()
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", errUnknownKey, kid)
	}
	return &found[0], nil
}

// refresh はJWKSを取得してキャッシュを更新する。
// 一時的な失敗は指数バックオフで再試行し、4xxは再試行しない。
func (k *KeySet) refresh(ctx context.Context) error {
	keySet, err := backoff.Retry(ctx, func() (*jose.JSONWebKeySet, error) {
		return k.fetch(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(k.maxTries))
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.keySet = keySet
	k.lastFetch = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *KeySet) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse JWKS: %w", err))
	}
	return &keySet, nil
}
