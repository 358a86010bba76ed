// Package creation はアカウント作成リクエスト（CreationRequest）の生成とエンコードを提供する。
// エンコード済みトークンはリダイレクトURLやWebhookメタデータを経由して往復するため、
// サーバー側のセッションストレージを必要としない。
package creation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	// CodeLength は生成するコードの長さ。
	CodeLength = 22
	// MinCodeLength は受け入れるコードの最小長。
	MinCodeLength = 10

	// codeAlphabet は視覚的に紛らわしい文字（0, 1, l, o, I, O）を除いた英数字。
	codeAlphabet = "23456789abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"
)

// Request はリダイレクトや外部URLを経由して持ち回るアカウント作成リクエスト。
// Code は一度URLやメタデータに埋め込まれたら変更しない。
type Request struct {
	Code       string `json:"code"`
	LoginScope string `json:"login_scope,omitempty"`
	ReturnPath string `json:"return_path,omitempty"`
	LoginURL   string `json:"login_url,omitempty"`
	OwnerKey   string `json:"owner_key,omitempty"`
	ActiveKey  string `json:"active_key,omitempty"`
}

// Encode はRequestをURLセーフな文字列に変換する。
// 外部I/Oを行わない決定的な純関数。
func Encode(r Request) string {
	// 文字列フィールドのみの構造体なのでMarshalは失敗しない
	b, _ := json.Marshal(r)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode はEncodeで生成したトークンをRequestに戻す。
// パースできない場合は model.ErrMalformedToken、codeが無い場合は model.ErrMissingCode を返す。
func Decode(token string) (Request, error) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	if token == "" {
		return Request{}, model.ErrMalformedToken
	}

	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", model.ErrMalformedToken, err)
	}

	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", model.ErrMalformedToken, err)
	}

	if r.Code == "" {
		return Request{}, model.ErrMissingCode
	}

	return r, nil
}

// NewCode は暗号論的乱数からコードを生成する。
// 推測可能なコードはチケットの横取りに直結するため、math/randは使用しない。
func NewCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, CodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// New は新しいコードを採番したRequestを生成する。
// argsのCodeとLoginURLは上書きされる。
// buoyURLが指定された場合はそのオリジンとコードのハッシュからlogin_urlを組み立てる。
func New(args Request, buoyURL string) (Request, error) {
	code, err := NewCode()
	if err != nil {
		return Request{}, err
	}

	args.Code = code
	args.LoginURL = ""

	if buoyURL != "" {
		u, err := url.Parse(buoyURL)
		if err != nil {
			return Request{}, fmt.Errorf("invalid buoy service url: %w", err)
		}
		sum := sha256.Sum256([]byte(code))
		args.LoginURL = fmt.Sprintf("%s://%s/%s", u.Scheme, u.Host, hex.EncodeToString(sum[:]))
	}

	return args, nil
}

// ValidCode はコードが最低限の長さを満たしているかを判定する。
// 不正・偽造されたメタデータに対する最低限の防御。
func ValidCode(code string) bool {
	return len(code) >= MinCodeLength
}

// ResolveCode はエンコード済みRequestまたは生のコードからコードを取り出す。
func ResolveCode(codeOrToken string) (string, error) {
	if r, err := Decode(codeOrToken); err == nil {
		return r.Code, nil
	}
	if ValidCode(codeOrToken) && isAlphanumeric(codeOrToken) {
		return codeOrToken, nil
	}
	return "", model.ErrInvalidCode
}

// isAlphanumeric は文字列がASCII英数字のみで構成されているかを判定する。
// 旧形式のコードは現行アルファベット外の文字を含むことがあるため、アルファベットでは絞らない。
func isAlphanumeric(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
