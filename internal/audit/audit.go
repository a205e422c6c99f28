// Package audit records the outcome of every checkout-affecting operation in an append-only
// ledger.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

const (
	OpCheckout     = "checkout"
	OpCompensation = "compensation"
	OpRefund       = "refund"
	OpFulfillment  = "fulfillment"
)

type Entry struct {
	MerchantID         string
	UserID             string
	SessionID          string
	Operation          string
	RequestPayloadHash string
	ResponseReference  string
	Outcome            string
	Reason             string
	Actor              string
}

type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// PayloadHash fingerprints a request body without storing it.
func PayloadHash(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.MerchantID) == "" {
		return fmt.Errorf("audit: missing merchant_id")
	}
	if strings.TrimSpace(e.Operation) == "" {
		return fmt.Errorf("audit: missing operation")
	}
	switch e.Outcome {
	case types.OutcomeSuccess, types.OutcomeFailure:
	default:
		return fmt.Errorf("audit: invalid outcome %q", e.Outcome)
	}
	return nil
}

func (e Entry) record(now time.Time) *types.AuditRecord {
	actor := strings.TrimSpace(e.Actor)
	if actor == "" {
		actor = "system"
	}
	return &types.AuditRecord{
		ID:                 uuid.New(),
		MerchantID:         e.MerchantID,
		UserID:             optional(e.UserID),
		SessionID:          optional(e.SessionID),
		Operation:          e.Operation,
		RequestPayloadHash: e.RequestPayloadHash,
		ResponseReference:  e.ResponseReference,
		Outcome:            e.Outcome,
		Reason:             optional(e.Reason),
		Actor:              actor,
		CreatedAt:          now,
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

type gormLedger struct {
	log  *logger.Logger
	repo repos.AuditRecordRepo
}

// NewGormLedger appends through the audit record repo on the main database.
func NewGormLedger(baseLog *logger.Logger, repo repos.AuditRecordRepo) Sink {
	return &gormLedger{log: baseLog.With("service", "AuditLedger"), repo: repo}
}

func (l *gormLedger) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if err := l.repo.Create(dbctx.Context{Ctx: ctx}, e.record(time.Now().UTC())); err != nil {
		l.log.Error("Audit append failed", "operation", e.Operation, "merchant_id", e.MerchantID, "error", err)
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
