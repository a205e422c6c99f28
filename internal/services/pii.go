package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/kms"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

const redactedPlaceholder = "[REDACTED]"

// RedactionResult holds redacted text and the placeholder → original map. The map is for
// in-process reversal only and must never be persisted or logged.
type RedactionResult struct {
	SanitizedText string
	TokenMap      map[string]string
}

// TokenizeContext is a nested document whose sensitive fields should become secure tokens.
type TokenizeContext struct {
	MerchantID string
	UserID     string
	Data       map[string]interface{}
	TTL        time.Duration
}

type TokenizedContext struct {
	Data map[string]interface{}
	// Tokens maps a dotted field path to the token id stored in its place.
	Tokens map[string]string
	// Redacted lists paths that degraded to a placeholder.
	Redacted []string
}

type PIIGuard interface {
	RedactQuery(text string) RedactionResult
	TokenizeUserData(ctx context.Context, in TokenizeContext) (TokenizedContext, error)
	CreateSecureToken(ctx context.Context, value, dataType, merchantID, userID string, ttl time.Duration) (string, error)
	RetrieveFromToken(ctx context.Context, tokenID, merchantID string) (string, bool, error)
	PurgeExpiredTokens(ctx context.Context) (int64, error)
	// DeleteTokens removes tokens that were minted but never referenced. Blank ids are skipped.
	DeleteTokens(ctx context.Context, merchantID string, tokenIDs ...string) error
}

type piiGuard struct {
	db      *gorm.DB
	log     *logger.Logger
	tokens  repos.SecureTokenRepo
	enc     kms.Encrypter
	timeout time.Duration
	now     func() time.Time
}

func NewPIIGuard(db *gorm.DB, baseLog *logger.Logger, tokens repos.SecureTokenRepo, enc kms.Encrypter, kmsTimeout time.Duration) PIIGuard {
	if kmsTimeout <= 0 {
		kmsTimeout = 5 * time.Second
	}
	return &piiGuard{
		db:      db,
		log:     baseLog.With("service", "PIIGuard"),
		tokens:  tokens,
		enc:     enc,
		timeout: kmsTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type redactor struct {
	label string
	re    *regexp.Regexp
}

// Applied in order; earlier matches are replaced before later patterns run.
var redactors = []redactor{
	{"PAYMENT_TOKEN", regexp.MustCompile(`\b(?:pm|tok|card|src|pi|seti)_[A-Za-z0-9]{8,}\b`)},
	{"EMAIL", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"CARD", regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"PHONE", regexp.MustCompile(`(?:\+?1[\-. ]?)?\(?\b\d{3}\)?[\-. ]?\d{3}[\-. ]?\d{4}\b`)},
	{"ADDRESS", regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[A-Za-z0-9.]+\s+){1,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b\.?`)},
}

func (s *piiGuard) RedactQuery(text string) RedactionResult {
	return redactText(text)
}

func redactText(text string) RedactionResult {
	out := RedactionResult{SanitizedText: text, TokenMap: map[string]string{}}
	for _, r := range redactors {
		n := 0
		out.SanitizedText = r.re.ReplaceAllStringFunc(out.SanitizedText, func(m string) string {
			n++
			ph := fmt.Sprintf("[%s_%d]", r.label, n)
			out.TokenMap[ph] = m
			return ph
		})
	}
	return out
}

type fieldRule struct {
	dataType string
	critical bool
}

var sensitiveFields = map[string]fieldRule{
	"card_number":      {types.DataTypePayment, true},
	"pan":              {types.DataTypePayment, true},
	"cvv":              {types.DataTypePayment, true},
	"cvc":              {types.DataTypePayment, true},
	"security_code":    {types.DataTypePayment, true},
	"payment_method":   {types.DataTypePayment, false},
	"account_number":   {types.DataTypePayment, false},
	"routing_number":   {types.DataTypePayment, false},
	"iban":             {types.DataTypePayment, false},
	"email":            {types.DataTypeContact, false},
	"phone":            {types.DataTypeContact, false},
	"phone_number":     {types.DataTypeContact, false},
	"ssn":              {types.DataTypePersonal, false},
	"tax_id":           {types.DataTypePersonal, false},
	"date_of_birth":    {types.DataTypePersonal, false},
	"dob":              {types.DataTypePersonal, false},
	"passport_number":  {types.DataTypePersonal, false},
	"address":          {types.DataTypeAddress, false},
	"shipping_address": {types.DataTypeAddress, false},
	"billing_address":  {types.DataTypeAddress, false},
	"street":           {types.DataTypeAddress, false},
	"line1":            {types.DataTypeAddress, false},
	"line2":            {types.DataTypeAddress, false},
	"postal_code":      {types.DataTypeAddress, false},
}

func (s *piiGuard) TokenizeUserData(ctx context.Context, in TokenizeContext) (TokenizedContext, error) {
	out := TokenizedContext{Tokens: map[string]string{}}
	if strings.TrimSpace(in.MerchantID) == "" {
		return out, types.TokenizationError("tokenize_user_data", "missing merchant id", nil)
	}
	data, err := s.tokenizeMap(ctx, in, "", in.Data, &out)
	if err != nil {
		return TokenizedContext{}, err
	}
	out.Data = data
	sort.Strings(out.Redacted)
	return out, nil
}

func (s *piiGuard) tokenizeMap(ctx context.Context, in TokenizeContext, prefix string, m map[string]interface{}, out *TokenizedContext) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	res := make(map[string]interface{}, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		rule, sensitive := sensitiveFields[strings.ToLower(strings.TrimSpace(k))]
		if sensitive && v != nil {
			tv, err := s.tokenizeField(ctx, in, path, rule, v, out)
			if err != nil {
				return nil, err
			}
			res[k] = tv
			continue
		}
		nv, err := s.tokenizeValue(ctx, in, path, v, out)
		if err != nil {
			return nil, err
		}
		res[k] = nv
	}
	return res, nil
}

func (s *piiGuard) tokenizeValue(ctx context.Context, in TokenizeContext, path string, v interface{}, out *TokenizedContext) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return s.tokenizeMap(ctx, in, path, t, out)
	case []interface{}:
		res := make([]interface{}, len(t))
		for i, item := range t {
			nv, err := s.tokenizeValue(ctx, in, fmt.Sprintf("%s[%d]", path, i), item, out)
			if err != nil {
				return nil, err
			}
			res[i] = nv
		}
		return res, nil
	default:
		return v, nil
	}
}

// tokenizeField stores the whole value under one token. Nested values are stored as JSON.
func (s *piiGuard) tokenizeField(ctx context.Context, in TokenizeContext, path string, rule fieldRule, v interface{}, out *TokenizedContext) (interface{}, error) {
	var plain string
	switch t := v.(type) {
	case string:
		plain = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return s.degrade(path, rule, err, out)
		}
		plain = string(b)
	}
	if strings.TrimSpace(plain) == "" {
		return v, nil
	}
	id, err := s.CreateSecureToken(ctx, plain, rule.dataType, in.MerchantID, in.UserID, in.TTL)
	if err != nil {
		return s.degrade(path, rule, err, out)
	}
	out.Tokens[path] = id
	return id, nil
}

func (s *piiGuard) degrade(path string, rule fieldRule, err error, out *TokenizedContext) (interface{}, error) {
	if rule.critical {
		return nil, types.TokenizationError("tokenize_user_data", "could not secure payment details", err)
	}
	s.log.Warn("Tokenization degraded to redaction", "field", path, "error", err)
	out.Redacted = append(out.Redacted, path)
	return redactedPlaceholder, nil
}

func tokenContext(tokenID, merchantID, dataType string) kms.EncryptionContext {
	return kms.EncryptionContext{
		"token_id":    tokenID,
		"merchant_id": merchantID,
		"data_type":   dataType,
	}
}

func newTokenID(dataType string) string {
	return "tok_" + dataType + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *piiGuard) CreateSecureToken(ctx context.Context, value, dataType, merchantID, userID string, ttl time.Duration) (string, error) {
	dataType = strings.ToLower(strings.TrimSpace(dataType))
	if !types.IsKnownDataType(dataType) {
		return "", types.TokenizationError("create_secure_token", "unknown data type", nil)
	}
	if strings.TrimSpace(merchantID) == "" {
		return "", types.TokenizationError("create_secure_token", "missing merchant id", nil)
	}
	if s.enc == nil {
		return "", types.TokenizationError("create_secure_token", "encryption not configured", nil)
	}
	id := newTokenID(dataType)
	keyID := s.enc.ActiveKeyID()

	encCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ciphertext, err := s.enc.Encrypt(encCtx, []byte(value), keyID, tokenContext(id, merchantID, dataType))
	if err != nil {
		return "", types.TokenizationError("create_secure_token", "encryption failed", err)
	}

	now := s.now()
	row := &types.SecureToken{
		ID:             id,
		EncryptedValue: ciphertext,
		DataType:       dataType,
		MerchantID:     merchantID,
		KeyID:          keyID,
		CreatedAt:      now,
	}
	if uid := strings.TrimSpace(userID); uid != "" {
		row.UserID = &uid
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		row.ExpiresAt = &exp
	}
	if err := s.tokens.Create(dbctx.Context{Ctx: ctx}, row); err != nil {
		return "", types.TokenizationError("create_secure_token", "token storage failed", err)
	}
	return id, nil
}

// RetrieveFromToken fails closed: unknown, expired, or foreign tokens return ok=false.
func (s *piiGuard) RetrieveFromToken(ctx context.Context, tokenID, merchantID string) (string, bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	merchantID = strings.TrimSpace(merchantID)
	if tokenID == "" || merchantID == "" {
		return "", false, nil
	}
	dbc := dbctx.Context{Ctx: ctx}
	row, err := s.tokens.Get(dbc, tokenID, merchantID)
	if err != nil {
		return "", false, fmt.Errorf("load secure token: %w", err)
	}
	if row == nil {
		return "", false, nil
	}
	if row.ExpiresAt != nil && !row.ExpiresAt.After(s.now()) {
		if err := s.tokens.Delete(dbc, row.ID, row.MerchantID); err != nil {
			s.log.Warn("Failed to purge expired token", "token_id", row.ID, "error", err)
		}
		return "", false, nil
	}
	if s.enc == nil {
		return "", false, fmt.Errorf("encryption not configured")
	}
	decCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	plain, err := s.enc.Decrypt(decCtx, row.EncryptedValue, tokenContext(row.ID, merchantID, row.DataType))
	if err != nil {
		if errors.Is(err, kms.ErrContextMismatch) || errors.Is(err, kms.ErrMalformed) {
			s.log.Warn("Secure token rejected", "token_id", row.ID, "merchant_id", merchantID, "error", err)
			return "", false, nil
		}
		return "", false, fmt.Errorf("decrypt secure token: %w", err)
	}
	return string(plain), true, nil
}

func (s *piiGuard) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := s.tokens.DeleteExpired(dbctx.Context{Ctx: ctx}, s.now(), 500)
		total += n
		if err != nil {
			return total, err
		}
		if n < 500 {
			return total, nil
		}
	}
}

func (s *piiGuard) DeleteTokens(ctx context.Context, merchantID string, tokenIDs ...string) error {
	dbc := dbctx.Context{Ctx: ctx}
	for _, id := range tokenIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := s.tokens.Delete(dbc, id, merchantID); err != nil {
			return fmt.Errorf("delete secure token: %w", err)
		}
	}
	return nil
}
