package service

import (
	"context"

	"github.com/EmmaGHimself/payment/internal/payerr"
)

// Merchant is the minimal merchant identity the orchestrator needs.
// Merchant management lives outside this service; only resolution by
// public key crosses the boundary.
type Merchant struct {
	ID        string
	Name      string
	PublicKey string
	Livemode  bool
}

type MerchantResolver interface {
	ResolveByPublicKey(ctx context.Context, publicKey string) (*Merchant, error)
}

// StaticMerchantResolver resolves merchants from a fixed in-memory set,
// keyed by public key.
type StaticMerchantResolver struct {
	byPublicKey map[string]*Merchant
}

func NewStaticMerchantResolver(merchants ...*Merchant) *StaticMerchantResolver {
	r := &StaticMerchantResolver{byPublicKey: make(map[string]*Merchant, len(merchants))}
	for _, m := range merchants {
		r.byPublicKey[m.PublicKey] = m
	}
	return r
}

func (r *StaticMerchantResolver) ResolveByPublicKey(ctx context.Context, publicKey string) (*Merchant, error) {
	m, ok := r.byPublicKey[publicKey]
	if !ok {
		return nil, payerr.ErrInvalidMerchant
	}
	return m, nil
}
