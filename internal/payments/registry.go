package payments

import (
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// Registry maps a credentials discriminator to a gateway variant.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: map[string]Gateway{}}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// NewDefaultRegistry registers the three simulated variants with shared options.
func NewDefaultRegistry(log *logger.Logger, opts Options) *Registry {
	return NewRegistry(
		NewGatewayA(log, opts),
		NewGatewayB(log, opts),
		NewDefaultGateway(log, opts),
	)
}

func (r *Registry) Register(g Gateway) {
	if g == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[strings.ToLower(g.Name())] = g
}

// Resolve returns the variant named by the merchant's credentials.
func (r *Registry) Resolve(creds Credentials) (Gateway, error) {
	name := strings.ToLower(strings.TrimSpace(creds.Gateway))
	if name == "" {
		name = GatewayDefault
	}
	r.mu.RLock()
	g, ok := r.gateways[name]
	r.mu.RUnlock()
	if !ok {
		return nil, checkout.ConfigurationError("resolve_gateway", fmt.Sprintf("unknown payment gateway %q", name), nil)
	}
	return g, nil
}
