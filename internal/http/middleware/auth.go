package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/checkout-saga/internal/platform/ctxutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

const headerMerchantID = "X-Merchant-Id"

// MerchantClaims is the bearer token payload issued by the merchant platform.
type MerchantClaims struct {
	MerchantID string `json:"merchant_id"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	log    *logger.Logger
	secret []byte
}

// NewAuthMiddleware verifies HS256 merchant tokens. With an empty secret the merchant is
// taken from the optional X-Merchant-Id header, which is only meant for local development;
// handlers then fall back to the merchant named in the request.
func NewAuthMiddleware(log *logger.Logger, secret string) *AuthMiddleware {
	return &AuthMiddleware{
		log:    log.With("Middleware", "AuthMiddleware"),
		secret: []byte(strings.TrimSpace(secret)),
	}
}

func (am *AuthMiddleware) Enabled() bool { return len(am.secret) > 0 }

func (am *AuthMiddleware) RequireMerchant() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchantID, err := am.merchantFromRequest(c)
		if err != nil {
			am.log.Debug("Merchant auth rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		if merchantID != "" {
			ctx := ctxutil.WithMerchantID(c.Request.Context(), merchantID)
			c.Request = c.Request.WithContext(ctx)
			c.Set("merchant_id", merchantID)
		}
		c.Next()
	}
}

func (am *AuthMiddleware) merchantFromRequest(c *gin.Context) (string, error) {
	if !am.Enabled() {
		return strings.TrimSpace(c.GetHeader(headerMerchantID)), nil
	}
	tokenString := extractBearer(c)
	if tokenString == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	return am.ParseMerchant(tokenString)
}

// ParseMerchant verifies tokenString and returns its merchant_id claim.
func (am *AuthMiddleware) ParseMerchant(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &MerchantClaims{}, func(t *jwt.Token) (interface{}, error) {
		return am.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*MerchantClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid or expired token")
	}
	m := strings.TrimSpace(claims.MerchantID)
	if m == "" {
		return "", fmt.Errorf("token has no merchant_id")
	}
	return m, nil
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
