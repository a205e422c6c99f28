package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/checkout-saga/internal/platform/ctxutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

func signMerchant(t *testing.T, secret, merchantID string, ttl time.Duration) string {
	t.Helper()
	claims := MerchantClaims{
		MerchantID: merchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func merchantEcho(am *AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(am.RequireMerchant())
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, ctxutil.MerchantID(c.Request.Context()))
	})
	return r
}

func TestRequireMerchantVerifiesBearer(t *testing.T) {
	am := NewAuthMiddleware(logger.Nop(), "s3cret")
	r := merchantEcho(am)

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + signMerchant(t, "s3cret", "m1", time.Minute), http.StatusOK, "m1"},
		{"wrong secret", "Bearer " + signMerchant(t, "other", "m1", time.Minute), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signMerchant(t, "s3cret", "m1", -time.Minute), http.StatusUnauthorized, ""},
		{"no merchant", "Bearer " + signMerchant(t, "s3cret", "", time.Minute), http.StatusUnauthorized, ""},
		{"missing", "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status: want=%d got=%d", tc.status, rec.Code)
			}
			if tc.body != "" && rec.Body.String() != tc.body {
				t.Fatalf("merchant: want=%q got=%q", tc.body, rec.Body.String())
			}
		})
	}
}

func TestRequireMerchantHeaderWithoutSecret(t *testing.T) {
	r := merchantEcho(NewAuthMiddleware(logger.Nop(), ""))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(headerMerchantID, "m2")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "m2" {
		t.Fatalf("header merchant: got status=%d body=%q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "" {
		t.Fatalf("missing header passes through: got status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestTraceContextEchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	var seen *ctxutil.TraceData
	r.GET("/x", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-1")
	req.Header.Set(headerTraceID, "trace-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if seen == nil || seen.RequestID != "req-1" || seen.TraceID != "trace-1" {
		t.Fatalf("trace data: got %+v", seen)
	}
	if got := rec.Header().Get(headerRequestID); got != "req-1" {
		t.Fatalf("request id header: want=req-1 got=%q", got)
	}
}
