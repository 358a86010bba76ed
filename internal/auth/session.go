package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	// SessionCookieName はセッションCookie名。__Secure- 接頭辞によりSecure属性なしでは保存されない。
	SessionCookieName = "__Secure-session-token"

	// DefaultSessionMaxAge はセッションの既定の有効期間。
	DefaultSessionMaxAge = 30 * 24 * time.Hour

	// stateMaxAge はOAuth stateトークンの有効期間。
	stateMaxAge = 10 * time.Minute

	audienceSession = "session"
	audienceState   = "oauth-state"
)

// sessionClaims はセッショントークンのクレーム。
type sessionClaims struct {
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// stateClaims はOAuth stateトークンのクレーム。
// Appleのform_postはクロスサイトPOSTのためLax Cookieが届かない。
// 元のクエリはCookieではなく署名付きstateで持ち回る。
type stateClaims struct {
	Query    string `json:"q,omitempty"`
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// SessionCodec はHS256署名のセッショントークンとstateトークンを発行・検証する。
type SessionCodec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewSessionCodec はSessionCodecを生成する。
func NewSessionCodec(secret string, maxAge time.Duration) *SessionCodec {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	return &SessionCodec{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// MaxAge はセッションの有効期間を返す。
func (c *SessionCodec) MaxAge() time.Duration {
	return c.maxAge
}

// Issue はIdentityからセッショントークンを発行する。
func (c *SessionCodec) Issue(identity *model.Identity) (string, error) {
	now := c.now()
	claims := sessionClaims{
		Email:    identity.Email,
		Provider: string(identity.Provider),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			Audience:  jwt.ClaimStrings{audienceSession},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// Parse はセッショントークンを検証してIdentityを返す。
// 不正・期限切れの場合は model.ErrUnauthorized を返す。
func (c *SessionCodec) Parse(token string) (*model.Identity, error) {
	var claims sessionClaims
	if err := c.parse(token, audienceSession, &claims); err != nil {
		return nil, err
	}
	return &model.Identity{
		Email:    claims.Email,
		Subject:  claims.Subject,
		Provider: model.Provider(claims.Provider),
	}, nil
}

// IssueState はOAuth開始時の元クエリを持ち回るstateトークンを発行する。
func (c *SessionCodec) IssueState(provider model.Provider, query string) (string, error) {
	now := c.now()
	claims := stateClaims{
		Query:    query,
		Provider: string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audienceState},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateMaxAge)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return token, nil
}

// ParseState はstateトークンを検証し、元のクエリを返す。
// 別プロバイダー向けに発行されたstateは拒否する。
func (c *SessionCodec) ParseState(provider model.Provider, state string) (string, error) {
	var claims stateClaims
	if err := c.parse(state, audienceState, &claims); err != nil {
		return "", err
	}
	if claims.Provider != string(provider) {
		return "", fmt.Errorf("%w: state issued for another provider", model.ErrUnauthorized)
	}
	return claims.Query, nil
}

func (c *SessionCodec) parse(token, audience string, claims jwt.Claims) error {
	if token == "" {
		return model.ErrUnauthorized
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("%w: token expired", model.ErrUnauthorized)
		}
		return fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	return nil
}

// NewSessionCookie はセッションCookieを生成する。
func (c *SessionCodec) NewSessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie はセッションCookieを削除するCookieを生成する。
func ClearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
