// Package model はドメインモデルを定義する。
package model

// Provider は外部IdPの種別を表す。
type Provider string

const (
	// ProviderGoogle はGoogleログインを表す。
	ProviderGoogle Provider = "google"
	// ProviderApple はAppleログインを表す。
	ProviderApple Provider = "apple"
)

// Identity は外部IdPで認証されたユーザーを表す。
// 1リクエストにつき1つのプロバイダーから生成され、プロバイダー間で統合されない。
type Identity struct {
	Email    string
	Subject  string
	Provider Provider
}
