package payments

import (
	"context"
	"strings"
	"time"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/cache"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

// Credentials are what a merchant has configured for one payment method kind.
// Gateway is the discriminator the registry resolves.
type Credentials struct {
	Gateway         string
	APIKey          string
	MerchantAccount string
}

type CredentialsProvider interface {
	Credentials(ctx context.Context, merchantID, paymentMethod string) (Credentials, error)
}

type fileCredentials struct {
	cfg *merchantcfg.File
}

// NewFileCredentialsProvider serves credentials out of the merchant YAML file.
func NewFileCredentialsProvider(cfg *merchantcfg.File) CredentialsProvider {
	return &fileCredentials{cfg: cfg}
}

func (p *fileCredentials) Credentials(ctx context.Context, merchantID, paymentMethod string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	c, ok := p.cfg.Credentials(merchantID, paymentMethod)
	if !ok {
		return Credentials{}, checkout.ConfigurationError("resolve_credentials", "no payment gateway configured for merchant", nil)
	}
	return Credentials{
		Gateway:         strings.ToLower(strings.TrimSpace(c.Gateway)),
		APIKey:          c.APIKey,
		MerchantAccount: c.MerchantAccount,
	}, nil
}

// CachedCredentials fronts a provider with a TTL cache. Misses and errors go to the provider.
type CachedCredentials struct {
	inner CredentialsProvider
	cache *cache.TTL[Credentials]
}

func NewCachedCredentials(inner CredentialsProvider, ttl time.Duration) *CachedCredentials {
	return &CachedCredentials{inner: inner, cache: cache.NewTTL[Credentials](ttl)}
}

func (c *CachedCredentials) Credentials(ctx context.Context, merchantID, paymentMethod string) (Credentials, error) {
	key := merchantID + "|" + strings.ToLower(paymentMethod)
	return c.cache.GetOrLoad(ctx, key, func(ctx context.Context) (Credentials, error) {
		return c.inner.Credentials(ctx, merchantID, paymentMethod)
	})
}

// Invalidate drops every cached entry for a merchant.
func (c *CachedCredentials) Invalidate(merchantID string) {
	c.cache.InvalidatePrefix(merchantID + "|")
}
