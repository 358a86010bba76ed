package ticket

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ProductLookup は決済側の商品からプロビジョニング商品IDを引くインターフェース。
type ProductLookup interface {
	ProductSextantID(ctx context.Context, productID string) (string, error)
}

// ProductResolver は無料チケットに使うプロビジョニング商品IDを解決する。
// 設定で指定されていればネットワークを使わず、そうでなければ固定の商品から一度だけ引いてキャッシュする。
// 同時に来た初回解決は1回の問い合わせにまとめる。
type ProductResolver struct {
	preset    string
	productID string
	lookup    ProductLookup

	group  singleflight.Group
	mu     sync.RWMutex
	cached string
}

// NewProductResolver はProductResolverを生成する。
func NewProductResolver(preset, productID string, lookup ProductLookup) *ProductResolver {
	return &ProductResolver{preset: preset, productID: productID, lookup: lookup}
}

// Resolve はプロビジョニング商品IDを返す。
func (r *ProductResolver) Resolve(ctx context.Context) (string, error) {
	if r.preset != "" {
		return r.preset, nil
	}

	r.mu.RLock()
	cached := r.cached
	r.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	if r.lookup == nil || r.productID == "" {
		return "", errors.New("no provisioning product configured")
	}

	v, err, _ := r.group.Do(r.productID, func() (any, error) {
		r.mu.RLock()
		cached := r.cached
		r.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}

		id, err := r.lookup.ProductSextantID(ctx, r.productID)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cached = id
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
