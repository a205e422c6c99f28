package services

import (
	"context"
	"time"

	"github.com/yungbote/checkout-saga/internal/platform/cache"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

// DefaultBranding is used when a merchant has none configured.
var DefaultBranding = merchantcfg.Branding{
	DisplayName:  "Order Receipt",
	PrimaryColor: "#1F2937",
	AccentColor:  "#2563EB",
	Footer:       "Thank you for your order.",
}

type BrandingProvider interface {
	Branding(ctx context.Context, merchantID string) (merchantcfg.Branding, error)
}

type fileBranding struct {
	cfg *merchantcfg.File
}

func NewFileBrandingProvider(cfg *merchantcfg.File) BrandingProvider {
	return &fileBranding{cfg: cfg}
}

func (p *fileBranding) Branding(ctx context.Context, merchantID string) (merchantcfg.Branding, error) {
	if err := ctx.Err(); err != nil {
		return merchantcfg.Branding{}, err
	}
	b, ok := p.cfg.Branding(merchantID)
	if !ok {
		return DefaultBranding, nil
	}
	return withBrandingDefaults(*b), nil
}

func withBrandingDefaults(b merchantcfg.Branding) merchantcfg.Branding {
	if b.DisplayName == "" {
		b.DisplayName = DefaultBranding.DisplayName
	}
	if normalizeHex(b.PrimaryColor) == "" {
		b.PrimaryColor = DefaultBranding.PrimaryColor
	}
	if normalizeHex(b.AccentColor) == "" {
		b.AccentColor = DefaultBranding.AccentColor
	}
	if b.Footer == "" {
		b.Footer = DefaultBranding.Footer
	}
	return b
}

// CachedBranding keeps branding per merchant for the cache TTL. Load errors fall back to
// DefaultBranding and are not cached.
type CachedBranding struct {
	inner BrandingProvider
	cache *cache.TTL[merchantcfg.Branding]
}

func NewCachedBranding(inner BrandingProvider, ttl time.Duration) *CachedBranding {
	return &CachedBranding{inner: inner, cache: cache.NewTTL[merchantcfg.Branding](ttl)}
}

func (c *CachedBranding) Branding(ctx context.Context, merchantID string) (merchantcfg.Branding, error) {
	b, err := c.cache.GetOrLoad(ctx, merchantID, func(ctx context.Context) (merchantcfg.Branding, error) {
		return c.inner.Branding(ctx, merchantID)
	})
	if err != nil {
		return DefaultBranding, err
	}
	return b, nil
}

func (c *CachedBranding) Invalidate(merchantID string) {
	c.cache.Invalidate(merchantID)
}
