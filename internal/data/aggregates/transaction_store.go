package aggregates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	domainagg "github.com/yungbote/checkout-saga/internal/domain/aggregates"
	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
)

type TransactionStoreDeps struct {
	Base BaseDeps

	Transactions repos.TransactionRepo
	Actions      repos.CompensationActionRepo

	// StalledAfter is how long a transaction may sit in pending, or in failed/compensating
	// with side effects and no actions, before ListRunnable reports it.
	StalledAfter time.Duration

	Now func() time.Time
}

const defaultStalledAfter = 10 * time.Minute

// TransactionStore owns transaction state and its compensation actions. Every write for one
// transaction id goes through an in-process keyed lock taken before the database transaction,
// and the row is re-read under FOR UPDATE on Postgres.
type TransactionStore struct {
	deps  TransactionStoreDeps
	locks *keyedLocks
}

func NewTransactionStore(deps TransactionStoreDeps) *TransactionStore {
	deps.Base = deps.Base.withDefaults()
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.StalledAfter <= 0 {
		deps.StalledAfter = defaultStalledAfter
	}
	return &TransactionStore{deps: deps, locks: newKeyedLocks()}
}

// ActionID is deterministic so re-deriving a transaction's actions never duplicates them.
func ActionID(txID uuid.UUID, actionType string) uuid.UUID {
	return uuid.NewSHA1(txID, []byte("compensation:"+actionType))
}

// TransactionPatch lists the columns a transition may set alongside the status.
type TransactionPatch struct {
	Gateway             *string
	PaymentIntentID     *string
	PaymentConfirmation *string
	OrderReference      *string
	FailureReason       *string
	Metadata            datatypes.JSON
}

func (p TransactionPatch) fields() map[string]interface{} {
	out := map[string]interface{}{}
	if p.Gateway != nil {
		out["gateway"] = *p.Gateway
	}
	if p.PaymentIntentID != nil {
		out["payment_intent_id"] = *p.PaymentIntentID
	}
	if p.PaymentConfirmation != nil {
		out["payment_confirmation"] = *p.PaymentConfirmation
	}
	if p.OrderReference != nil {
		out["order_reference"] = *p.OrderReference
	}
	if p.FailureReason != nil {
		out["failure_reason"] = *p.FailureReason
	}
	if len(p.Metadata) > 0 {
		out["metadata"] = p.Metadata
	}
	return out
}

func (p TransactionPatch) apply(tx *checkout.Transaction) {
	if p.Gateway != nil {
		tx.Gateway = *p.Gateway
	}
	if p.PaymentIntentID != nil {
		tx.PaymentIntentID = p.PaymentIntentID
	}
	if p.PaymentConfirmation != nil {
		tx.PaymentConfirmation = p.PaymentConfirmation
	}
	if p.OrderReference != nil {
		tx.OrderReference = p.OrderReference
	}
	if p.FailureReason != nil {
		tx.FailureReason = *p.FailureReason
	}
	if len(p.Metadata) > 0 {
		tx.Metadata = p.Metadata
	}
}

func (s *TransactionStore) withLock(ctx context.Context, id uuid.UUID, op string, fn func(dbc dbctx.Context) error) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return MapError(op, err)
	}
	defer unlock()
	return executeWrite(ctx, s.deps.Base, op, fn)
}

// CreateOrGet inserts tx unless a row with its id exists, in which case the stored row is
// returned with created=false.
func (s *TransactionStore) CreateOrGet(ctx context.Context, tx *checkout.Transaction) (*checkout.Transaction, bool, error) {
	const op = "TransactionStore.CreateOrGet"
	if tx == nil || tx.ID == uuid.Nil {
		return nil, false, domainagg.NewError(domainagg.CodeValidation, op, "missing transaction id", nil)
	}
	status := checkout.NormalizeStatus(tx.Status)
	if status != checkout.StatusPending && status != checkout.StatusFailed {
		return nil, false, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("cannot create transaction in status %q", status), nil)
	}
	if strings.TrimSpace(tx.MerchantID) == "" {
		return nil, false, domainagg.NewError(domainagg.CodeValidation, op, "missing merchant_id", nil)
	}
	if tx.InventoryReserved && (tx.InventoryReservationID == nil || *tx.InventoryReservationID == "") {
		return nil, false, domainagg.NewError(domainagg.CodeInvariantViolation, op, "inventory reserved without reservation id", nil)
	}

	var (
		out     *checkout.Transaction
		created bool
	)
	err := s.withLock(ctx, tx.ID, op, func(dbc dbctx.Context) error {
		existing, err := s.deps.Transactions.LockByID(dbc, tx.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		now := s.deps.Now()
		tx.Status = status
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.UpdatedAt = now
		if len(tx.Metadata) == 0 {
			tx.Metadata = datatypes.JSON(`{}`)
		}
		if err := s.deps.Transactions.Create(dbc, tx); err != nil {
			return err
		}
		out, created = tx, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Get loads a transaction with its actions, scoped to merchantID.
func (s *TransactionStore) Get(ctx context.Context, id uuid.UUID, merchantID string) (*checkout.Transaction, error) {
	const op = "TransactionStore.Get"
	dbc := dbctx.Context{Ctx: ctx}
	tx, err := s.deps.Transactions.GetByIDAndMerchant(dbc, id, merchantID)
	if err != nil {
		return nil, MapError(op, err)
	}
	if tx == nil {
		return nil, domainagg.NewError(domainagg.CodeNotFound, op, "transaction not found", nil)
	}
	return s.withActions(dbc, op, tx)
}

// GetByID is the unscoped read used by background workers.
func (s *TransactionStore) GetByID(ctx context.Context, id uuid.UUID) (*checkout.Transaction, error) {
	const op = "TransactionStore.GetByID"
	dbc := dbctx.Context{Ctx: ctx}
	tx, err := s.deps.Transactions.GetByID(dbc, id)
	if err != nil {
		return nil, MapError(op, err)
	}
	if tx == nil {
		return nil, domainagg.NewError(domainagg.CodeNotFound, op, "transaction not found", nil)
	}
	return s.withActions(dbc, op, tx)
}

func (s *TransactionStore) withActions(dbc dbctx.Context, op string, tx *checkout.Transaction) (*checkout.Transaction, error) {
	actions, err := s.deps.Actions.ListByTransactionID(dbc, tx.ID)
	if err != nil {
		return nil, MapError(op, err)
	}
	tx.Actions = make([]checkout.CompensationAction, 0, len(actions))
	for _, a := range actions {
		tx.Actions = append(tx.Actions, *a)
	}
	return tx, nil
}

// Transition moves a transaction to status `to`. When from is non-empty the current status must
// be one of them. A transition to the current status is a no-op apart from the patch.
func (s *TransactionStore) Transition(ctx context.Context, id uuid.UUID, from []string, to string, patch TransactionPatch) (*checkout.Transaction, error) {
	const op = "TransactionStore.Transition"
	to = checkout.NormalizeStatus(to)
	if !checkout.IsKnownStatus(to) {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown status %q", to), nil)
	}
	var out *checkout.Transaction
	err := s.withLock(ctx, id, op, func(dbc dbctx.Context) error {
		tx, err := s.deps.Transactions.LockByID(dbc, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("transaction not found: %s", id), nil)
		}
		current := checkout.NormalizeStatus(tx.Status)
		if len(from) > 0 && !containsStatus(from, current) {
			return ConflictError(fmt.Sprintf("transaction status changed (expected=%s actual=%s)", strings.Join(from, "|"), current))
		}
		if current != to && !checkout.CanTransition(current, to) {
			return InvariantError(fmt.Sprintf("invalid transaction transition %s -> %s", current, to))
		}
		if to == checkout.StatusConfirmed && tx.PaymentConfirmation == nil && patch.PaymentConfirmation == nil {
			return InvariantError("confirmed transaction requires a payment confirmation")
		}
		fields := patch.fields()
		fields["status"] = to
		fields["updated_at"] = s.deps.Now()
		if err := s.deps.Transactions.UpdateFields(dbc, tx.ID, fields); err != nil {
			return err
		}
		patch.apply(tx)
		tx.Status = to
		tx.UpdatedAt = fields["updated_at"].(time.Time)
		out = tx
		return nil
	})
	return out, err
}

// MarkInventoryReserved records a reservation on a pending transaction. Repeating it with the
// same reservation id is a no-op.
func (s *TransactionStore) MarkInventoryReserved(ctx context.Context, id uuid.UUID, reservationID string) error {
	const op = "TransactionStore.MarkInventoryReserved"
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domainagg.NewError(domainagg.CodeInvariantViolation, op, "reservation id required", nil)
	}
	return s.withLock(ctx, id, op, func(dbc dbctx.Context) error {
		tx, err := s.deps.Transactions.LockByID(dbc, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return domainagg.NewError(domainagg.CodeNotFound, op, "transaction not found", nil)
		}
		if tx.InventoryReserved {
			if tx.InventoryReservationID != nil && *tx.InventoryReservationID == reservationID {
				return nil
			}
			return ConflictError("transaction already holds a different reservation")
		}
		if checkout.NormalizeStatus(tx.Status) != checkout.StatusPending {
			return InvariantError(fmt.Sprintf("cannot reserve inventory when status is %q", tx.Status))
		}
		return s.deps.Transactions.UpdateFields(dbc, tx.ID, map[string]interface{}{
			"inventory_reserved":       true,
			"inventory_reservation_id": reservationID,
			"updated_at":               s.deps.Now(),
		})
	})
}

// AppendActions adds one action per type not already present, in the given order.
// It returns every action of the transaction after the append.
func (s *TransactionStore) AppendActions(ctx context.Context, id uuid.UUID, actionTypes []string, maxRetries int, metadata map[string]json.RawMessage) ([]*checkout.CompensationAction, error) {
	const op = "TransactionStore.AppendActions"
	if err := validateActionTypes(op, actionTypes); err != nil {
		return nil, err
	}
	var out []*checkout.CompensationAction
	err := s.withLock(ctx, id, op, func(dbc dbctx.Context) error {
		tx, err := s.deps.Transactions.LockByID(dbc, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return domainagg.NewError(domainagg.CodeNotFound, op, "transaction not found", nil)
		}
		if !checkout.AllowsActions(tx.Status) {
			return InvariantError(fmt.Sprintf("cannot append actions when status is %q", tx.Status))
		}
		out, err = s.appendActions(dbc, tx.ID, actionTypes, maxRetries, metadata)
		return err
	})
	return out, err
}

// ScheduleCompensation moves a transaction to compensating and records its actions in one
// database transaction, so a transaction never leaves its forward path without them.
// When from is non-empty the current status must be one of them.
func (s *TransactionStore) ScheduleCompensation(ctx context.Context, id uuid.UUID, from []string, actionTypes []string, maxRetries int, patch TransactionPatch) (*checkout.Transaction, []*checkout.CompensationAction, error) {
	const op = "TransactionStore.ScheduleCompensation"
	if err := validateActionTypes(op, actionTypes); err != nil {
		return nil, nil, err
	}
	var (
		out     *checkout.Transaction
		actions []*checkout.CompensationAction
	)
	err := s.withLock(ctx, id, op, func(dbc dbctx.Context) error {
		tx, err := s.deps.Transactions.LockByID(dbc, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("transaction not found: %s", id), nil)
		}
		current := checkout.NormalizeStatus(tx.Status)
		if len(from) > 0 && !containsStatus(from, current) {
			return ConflictError(fmt.Sprintf("transaction status changed (expected=%s actual=%s)", strings.Join(from, "|"), current))
		}
		if current != checkout.StatusCompensating && !checkout.CanTransition(current, checkout.StatusCompensating) {
			return InvariantError(fmt.Sprintf("invalid transaction transition %s -> %s", current, checkout.StatusCompensating))
		}
		fields := patch.fields()
		fields["status"] = checkout.StatusCompensating
		fields["updated_at"] = s.deps.Now()
		if err := s.deps.Transactions.UpdateFields(dbc, tx.ID, fields); err != nil {
			return err
		}
		patch.apply(tx)
		tx.Status = checkout.StatusCompensating
		tx.UpdatedAt = fields["updated_at"].(time.Time)

		actions, err = s.appendActions(dbc, tx.ID, actionTypes, maxRetries, nil)
		if err != nil {
			return err
		}
		tx.Actions = make([]checkout.CompensationAction, 0, len(actions))
		for _, a := range actions {
			tx.Actions = append(tx.Actions, *a)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, actions, nil
}

func validateActionTypes(op string, actionTypes []string) error {
	for _, t := range actionTypes {
		if !checkout.IsKnownActionType(t) {
			return domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown action type %q", t), nil)
		}
	}
	return nil
}

// appendActions runs inside a locked write for txID.
func (s *TransactionStore) appendActions(dbc dbctx.Context, txID uuid.UUID, actionTypes []string, maxRetries int, metadata map[string]json.RawMessage) ([]*checkout.CompensationAction, error) {
	if maxRetries <= 0 {
		maxRetries = checkout.DefaultMaxRetries
	}
	existing, err := s.deps.Actions.ListByTransactionID(dbc, txID)
	if err != nil {
		return nil, err
	}
	have := map[string]bool{}
	for _, a := range existing {
		have[a.ActionType] = true
	}
	maxSeq, err := s.deps.Actions.GetMaxSeq(dbc, txID)
	if err != nil {
		return nil, err
	}
	now := s.deps.Now()
	var rows []*checkout.CompensationAction
	for _, t := range actionTypes {
		if have[t] {
			continue
		}
		have[t] = true
		maxSeq++
		md := metadata[t]
		if len(md) == 0 {
			md = json.RawMessage(`{}`)
		}
		rows = append(rows, &checkout.CompensationAction{
			ID:            ActionID(txID, t),
			TransactionID: txID,
			Seq:           maxSeq,
			ActionType:    t,
			Status:        checkout.ActionStatusPending,
			MaxRetries:    maxRetries,
			Metadata:      datatypes.JSON(md),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if _, err := s.deps.Actions.Create(dbc, rows); err != nil {
		return nil, err
	}
	return append(existing, rows...), nil
}

func (s *TransactionStore) ListActions(ctx context.Context, id uuid.UUID) ([]*checkout.CompensationAction, error) {
	rows, err := s.deps.Actions.ListByTransactionID(dbctx.Context{Ctx: ctx}, id)
	return rows, MapError("TransactionStore.ListActions", err)
}

// StartActionAttempt moves a retryable failed action back to pending and returns it.
// Completed actions are returned unchanged so callers can skip them.
func (s *TransactionStore) StartActionAttempt(ctx context.Context, actionID uuid.UUID) (*checkout.CompensationAction, error) {
	const op = "TransactionStore.StartActionAttempt"
	return s.mutateAction(ctx, op, actionID, func(dbc dbctx.Context, a *checkout.CompensationAction) (map[string]interface{}, error) {
		switch a.Status {
		case checkout.ActionStatusCompleted, checkout.ActionStatusPending:
			return nil, nil
		case checkout.ActionStatusFailed:
			if a.RetryCount >= a.MaxRetries {
				return nil, InvariantError(fmt.Sprintf("action %s exhausted its retries", a.ActionType))
			}
			return map[string]interface{}{"status": checkout.ActionStatusPending}, nil
		default:
			return nil, InvariantError(fmt.Sprintf("unknown action status %q", a.Status))
		}
	})
}

// CompleteAction marks a pending action completed. Completed actions are immutable afterwards.
func (s *TransactionStore) CompleteAction(ctx context.Context, actionID uuid.UUID) (*checkout.CompensationAction, error) {
	const op = "TransactionStore.CompleteAction"
	return s.mutateAction(ctx, op, actionID, func(dbc dbctx.Context, a *checkout.CompensationAction) (map[string]interface{}, error) {
		switch a.Status {
		case checkout.ActionStatusCompleted:
			return nil, nil
		case checkout.ActionStatusPending:
			return map[string]interface{}{
				"status":          checkout.ActionStatusCompleted,
				"executed_at":     s.deps.Now(),
				"error_message":   nil,
				"next_attempt_at": nil,
			}, nil
		default:
			return nil, InvariantError(fmt.Sprintf("cannot complete action in status %q", a.Status))
		}
	})
}

// FailAction records a failed attempt. retry_count never exceeds max_retries; when it reaches
// it the action is terminal.
func (s *TransactionStore) FailAction(ctx context.Context, actionID uuid.UUID, message string, nextAttemptAt time.Time) (*checkout.CompensationAction, error) {
	const op = "TransactionStore.FailAction"
	return s.mutateAction(ctx, op, actionID, func(dbc dbctx.Context, a *checkout.CompensationAction) (map[string]interface{}, error) {
		if a.Status != checkout.ActionStatusPending {
			return nil, InvariantError(fmt.Sprintf("cannot fail action in status %q", a.Status))
		}
		retries := a.RetryCount + 1
		if retries > a.MaxRetries {
			retries = a.MaxRetries
		}
		fields := map[string]interface{}{
			"status":        checkout.ActionStatusFailed,
			"retry_count":   retries,
			"error_message": truncate(message, 1000),
		}
		if retries < a.MaxRetries && !nextAttemptAt.IsZero() {
			fields["next_attempt_at"] = nextAttemptAt.UTC()
		} else {
			fields["next_attempt_at"] = nil
		}
		return fields, nil
	})
}

func (s *TransactionStore) mutateAction(ctx context.Context, op string, actionID uuid.UUID, fn func(dbc dbctx.Context, a *checkout.CompensationAction) (map[string]interface{}, error)) (*checkout.CompensationAction, error) {
	head, err := s.deps.Actions.GetByID(dbctx.Context{Ctx: ctx}, actionID)
	if err != nil {
		return nil, MapError(op, err)
	}
	if head == nil {
		return nil, domainagg.NewError(domainagg.CodeNotFound, op, "compensation action not found", nil)
	}
	var out *checkout.CompensationAction
	err = s.withLock(ctx, head.TransactionID, op, func(dbc dbctx.Context) error {
		if _, err := s.deps.Transactions.LockByID(dbc, head.TransactionID); err != nil {
			return err
		}
		a, err := s.deps.Actions.GetByID(dbc, actionID)
		if err != nil {
			return err
		}
		if a == nil {
			return domainagg.NewError(domainagg.CodeNotFound, op, "compensation action not found", nil)
		}
		fields, err := fn(dbc, a)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			out = a
			return nil
		}
		fields["updated_at"] = s.deps.Now()
		n, err := s.deps.Actions.UpdateFields(dbc, a.ID, fields)
		if err != nil {
			return err
		}
		if n == 0 {
			return ConflictError("compensation action is completed")
		}
		fresh, err := s.deps.Actions.GetByID(dbc, a.ID)
		if err != nil {
			return err
		}
		out = fresh
		return nil
	})
	return out, err
}

// ListRunnable returns compensating transactions with an action due at or before now, followed
// by stalled transactions: pending past StalledAfter (a checkout that died mid-flight), or
// failed/compensating with side effects recorded and no actions.
func (s *TransactionStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const op = "TransactionStore.ListRunnable"
	dbc := dbctx.Context{Ctx: ctx}
	ids, err := s.deps.Actions.ListRunnableTransactionIDs(dbc, now, limit)
	if err != nil {
		return nil, MapError(op, err)
	}
	if limit > 0 && len(ids) >= limit {
		return ids, nil
	}
	rest := 0
	if limit > 0 {
		rest = limit - len(ids)
	}
	stalled, err := s.deps.Transactions.ListStalledIDs(dbc, now.Add(-s.deps.StalledAfter), rest)
	if err != nil {
		return nil, MapError(op, err)
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range stalled {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListUnresolved returns exhausted actions awaiting operator follow-up.
func (s *TransactionStore) ListUnresolved(ctx context.Context, merchantID string, limit int) ([]*checkout.CompensationAction, error) {
	rows, err := s.deps.Actions.ListExhausted(dbctx.Context{Ctx: ctx}, merchantID, limit)
	return rows, MapError("TransactionStore.ListUnresolved", err)
}

func containsStatus(list []string, s string) bool {
	for _, v := range list {
		if checkout.NormalizeStatus(v) == s {
			return true
		}
	}
	return false
}

// truncate keeps at most n bytes of s without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
