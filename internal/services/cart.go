package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/envutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type CartInput struct {
	UserID          string           `json:"user_id"`
	SessionID       string           `json:"session_id"`
	Items           []types.LineItem `json:"items"`
	ShippingAddress *types.Address   `json:"shipping_address,omitempty"`
	BillingAddress  *types.Address   `json:"billing_address,omitempty"`
	PaymentMethod   string           `json:"payment_method,omitempty"`
}

type CartService interface {
	// SaveCart replaces the cart under cartID; an empty cartID creates a new cart.
	SaveCart(ctx context.Context, merchantID, cartID string, in CartInput) (*types.Cart, error)
	GetCart(ctx context.Context, merchantID, cartID string) (*types.Cart, error)
	DeleteCart(ctx context.Context, merchantID, cartID string) error
}

type cartService struct {
	log   *logger.Logger
	carts repos.CartRepo
	pii   PIIGuard
	ttl   time.Duration
	now   func() time.Time
}

func CartTTLFromEnv() time.Duration {
	return envutil.Duration("CART_TTL", 24*time.Hour)
}

func NewCartService(baseLog *logger.Logger, carts repos.CartRepo, pii PIIGuard, ttl time.Duration) CartService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &cartService{
		log:   baseLog.With("service", "CartService"),
		carts: carts,
		pii:   pii,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *cartService) SaveCart(ctx context.Context, merchantID, cartID string, in CartInput) (*types.Cart, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, types.InvalidOrderError("save_cart", "merchant_id is required")
	}
	if _, err := validateItems(in.Items); err != nil {
		return nil, err
	}
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		cartID = uuid.NewString()
	}
	// Cart tokens live as long as the cart; checkout re-reads them after the cart is gone.
	ttl := s.ttl + 24*time.Hour
	ship, bill, err := tokenizeAddresses(ctx, s.pii, merchantID, in.UserID, in.ShippingAddress, in.BillingAddress, ttl)
	if err != nil {
		return nil, err
	}
	var stored string
	if strings.TrimSpace(in.PaymentMethod) != "" {
		stored, _, err = securePaymentMethod(ctx, s.pii, in.PaymentMethod, merchantID, in.UserID, ttl)
		if err != nil {
			return nil, err
		}
	}
	c := &types.Cart{
		CartID:               cartID,
		MerchantID:           merchantID,
		UserID:               in.UserID,
		SessionID:            in.SessionID,
		Items:                in.Items,
		ShippingAddressToken: ship,
		BillingAddressToken:  bill,
		PaymentMethodToken:   stored,
		ExpiresAt:            s.now().Add(s.ttl),
	}
	if err := s.carts.Save(ctx, c); err != nil {
		return nil, types.NewError(types.KindInternal, "save_cart", "", err)
	}
	s.log.Debug("Cart saved", "cart_id", cartID, "merchant_id", merchantID, "items", len(in.Items))
	return c, nil
}

func (s *cartService) GetCart(ctx context.Context, merchantID, cartID string) (*types.Cart, error) {
	c, err := s.carts.Get(ctx, merchantID, cartID)
	if err != nil {
		return nil, types.NewError(types.KindInternal, "get_cart", "", err)
	}
	if c == nil {
		return nil, types.NewError(types.KindNotFound, "get_cart", "cart not found or expired", nil)
	}
	return c, nil
}

func (s *cartService) DeleteCart(ctx context.Context, merchantID, cartID string) error {
	if err := s.carts.Delete(ctx, merchantID, cartID); err != nil {
		return types.NewError(types.KindInternal, "delete_cart", "", err)
	}
	return nil
}
