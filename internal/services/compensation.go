package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/yungbote/checkout-saga/internal/audit"
	"github.com/yungbote/checkout-saga/internal/data/aggregates"
	domainagg "github.com/yungbote/checkout-saga/internal/domain/aggregates"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/events"
	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/payments"
	"github.com/yungbote/checkout-saga/internal/platform/ctxutil"
	"github.com/yungbote/checkout-saga/internal/platform/envutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type CompensationConfig struct {
	BaseDelay     time.Duration
	Factor        float64
	MaxDelay      time.Duration
	MaxRetries    int
	ActionTimeout time.Duration

	// RunBudget bounds one shared compensation run regardless of which caller started it.
	RunBudget time.Duration
}

func CompensationConfigFromEnv() CompensationConfig {
	return CompensationConfig{
		BaseDelay:     envutil.Duration("COMPENSATION_BASE_DELAY", 200*time.Millisecond),
		Factor:        2,
		MaxDelay:      envutil.Duration("COMPENSATION_MAX_DELAY", 30*time.Second),
		MaxRetries:    envutil.Int("COMPENSATION_MAX_RETRIES", types.DefaultMaxRetries),
		ActionTimeout: envutil.Duration("COMPENSATION_ACTION_TIMEOUT", 10*time.Second),
		RunBudget:     envutil.Duration("COMPENSATION_RUN_BUDGET", 2*time.Minute),
	}
}

func (c CompensationConfig) withDefaults() CompensationConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = types.DefaultMaxRetries
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.RunBudget <= 0 {
		c.RunBudget = 2 * time.Minute
	}
	return c
}

// Backoff returns the wait after the n-th failed attempt (n >= 1).
func (c CompensationConfig) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.Factor, float64(n-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

type CompensationEngine interface {
	ExecuteCompensation(ctx context.Context, txID uuid.UUID, merchantID, reason string) (types.CompensationReport, error)
	ListUnresolved(ctx context.Context, merchantID string, limit int) ([]*types.CompensationAction, error)
}

type CompensationDeps struct {
	Log         *logger.Logger
	Store       *aggregates.TransactionStore
	Orders      OrderConfirmationBuilder
	Events      events.Publisher
	Gateways    *payments.Registry
	Credentials payments.CredentialsProvider
	Audit       audit.Sink
	Metrics     *observability.Metrics
	Config      CompensationConfig
	Now         func() time.Time
}

type compensationEngine struct {
	log    *logger.Logger
	deps   CompensationDeps
	cfg    CompensationConfig
	flight singleflight.Group
}

func NewCompensationEngine(deps CompensationDeps) CompensationEngine {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &compensationEngine{
		log:  deps.Log.With("service", "CompensationEngine"),
		deps: deps,
		cfg:  deps.Config.withDefaults(),
	}
}

// ExecuteCompensation derives, appends and runs the compensations a transaction needs.
// Concurrent calls for one transaction share a single run. The run is detached from the
// caller that started it and bounded by RunBudget; a caller whose ctx ends first gets
// ctx.Err() while the run carries on.
func (e *compensationEngine) ExecuteCompensation(ctx context.Context, txID uuid.UUID, merchantID, reason string) (types.CompensationReport, error) {
	ch := e.flight.DoChan(txID.String()+"|"+merchantID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RunBudget)
		defer cancel()
		return e.execute(runCtx, txID, merchantID, reason)
	})
	select {
	case <-ctx.Done():
		return types.CompensationReport{TransactionID: txID.String(), Status: types.StatusCompensating}, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(types.CompensationReport)
		return report, res.Err
	}
}

func (e *compensationEngine) execute(ctx context.Context, txID uuid.UUID, merchantID, reason string) (report types.CompensationReport, err error) {
	ctx, span := observability.StartSpan(ctx, "compensation.execute", attribute.String("transaction_id", txID.String()))
	defer func() { observability.EndSpan(span, err) }()

	var tx *types.Transaction
	if strings.TrimSpace(merchantID) == "" {
		tx, err = e.deps.Store.GetByID(ctx, txID)
	} else {
		tx, err = e.deps.Store.Get(ctx, txID, merchantID)
	}
	if err != nil {
		if domainagg.IsCode(err, domainagg.CodeNotFound) {
			return types.CompensationReport{}, types.NewError(types.KindNotFound, "execute_compensation", "transaction not found", err)
		}
		return types.CompensationReport{}, err
	}
	report.TransactionID = tx.ID.String()

	switch tx.Status {
	case types.StatusCancelled, types.StatusRefunded:
		return e.report(tx, tx.Status, actionPtrs(tx.Actions)), nil
	}

	needed, err := e.neededActions(ctx, tx)
	if err != nil {
		return report, err
	}
	if len(needed) == 0 && len(tx.Actions) == 0 {
		// Nothing was committed forward; the saga just ends failed.
		status := tx.Status
		if tx.Status == types.StatusPending || tx.Status == types.StatusCompensating {
			updated, terr := e.deps.Store.Transition(ctx, tx.ID, []string{tx.Status}, types.StatusFailed, failurePatch(reason))
			if terr != nil {
				return report, terr
			}
			status = updated.Status
		}
		return e.report(tx, status, nil), nil
	}

	existing := actionPtrs(tx.Actions)
	if tx.Status == types.StatusFailed && len(existing) > 0 && !hasRunnable(existing) && coversAll(existing, needed) {
		// Already settled as failed; report without reopening.
		r := e.report(tx, tx.Status, existing)
		if len(r.Exhausted) > 0 {
			return r, exhaustedError(r)
		}
		return r, nil
	}

	md := tx.DecodeMetadata()
	patch := aggregates.TransactionPatch{}
	if md.CompensationReason == "" && strings.TrimSpace(reason) != "" {
		md.CompensationReason = strings.TrimSpace(reason)
		raw, _ := json.Marshal(md)
		patch.Metadata = datatypes.JSON(raw)
	}
	_, actions, err := e.deps.Store.ScheduleCompensation(ctx, tx.ID,
		[]string{types.StatusPending, types.StatusConfirmed, types.StatusFailed, types.StatusCompensating},
		needed, e.cfg.MaxRetries, patch)
	if err != nil {
		return report, err
	}
	tx.Status = types.StatusCompensating

	writeCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, a := range actions {
		if a.Status == types.ActionStatusCompleted || a.Exhausted() {
			continue
		}
		g.Go(func() error {
			e.runAction(ctx, writeCtx, tx, a, md.CompensationReason)
			return nil
		})
	}
	_ = g.Wait()

	return e.finish(ctx, tx, md)
}

// runAction retries one action with backoff until it completes, exhausts, or ctx ends.
// Store writes use a context that outlives ctx so a cancelled caller still records outcomes.
func (e *compensationEngine) runAction(ctx, writeCtx context.Context, tx *types.Transaction, a *types.CompensationAction, reason string) {
	log := e.log.With("transaction_id", tx.ID.String(), "action_type", a.ActionType)
	for {
		if wait := e.waitFor(a); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}
		cur, err := e.deps.Store.StartActionAttempt(writeCtx, a.ID)
		if err != nil {
			log.Warn("Could not start compensation attempt", "error", err)
			return
		}
		if cur.Status == types.ActionStatusCompleted {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		execErr := e.executeAction(attemptCtx, tx, cur, reason)
		cancel()

		if execErr == nil {
			if _, err := e.deps.Store.CompleteAction(writeCtx, cur.ID); err != nil {
				log.Warn("Could not record completed compensation", "error", err)
			}
			e.deps.Metrics.IncCompensationAction(cur.ActionType, types.ActionStatusCompleted)
			return
		}

		next := e.deps.Now().Add(e.cfg.Backoff(cur.RetryCount + 1))
		failed, err := e.deps.Store.FailAction(writeCtx, cur.ID, execErr.Error(), next)
		if err != nil {
			log.Warn("Could not record failed compensation", "error", err)
			return
		}
		e.deps.Metrics.IncCompensationAction(cur.ActionType, types.ActionStatusFailed)
		if failed.Exhausted() {
			log.Error("Compensation action exhausted its retries",
				"retry_count", failed.RetryCount,
				"error", execErr,
			)
			return
		}
		log.Warn("Compensation action failed; retrying",
			"retry_count", failed.RetryCount,
			"next_attempt_at", next,
			"error", execErr,
		)
		a = failed
	}
}

func (e *compensationEngine) waitFor(a *types.CompensationAction) time.Duration {
	if a.NextAttemptAt == nil {
		return 0
	}
	return a.NextAttemptAt.Sub(e.deps.Now())
}

func (e *compensationEngine) finish(ctx context.Context, tx *types.Transaction, md types.TransactionMetadata) (types.CompensationReport, error) {
	writeCtx := context.WithoutCancel(ctx)
	actions, err := e.deps.Store.ListActions(writeCtx, tx.ID)
	if err != nil {
		return types.CompensationReport{TransactionID: tx.ID.String(), Status: tx.Status}, err
	}
	settled := e.report(tx, types.StatusCompensating, actions)

	status := types.StatusCompensating
	switch {
	case len(settled.Pending) == 0 && len(settled.Exhausted) == 0:
		status = types.StatusCancelled
		if md.OperatorRefund {
			status = types.StatusRefunded
		}
	case len(settled.Pending) == 0:
		status = types.StatusFailed
	}

	if status != types.StatusCompensating {
		patch := aggregates.TransactionPatch{}
		if status == types.StatusFailed {
			patch = failurePatch("compensation exhausted")
		}
		updated, terr := e.deps.Store.Transition(writeCtx, tx.ID, []string{types.StatusCompensating}, status, patch)
		switch {
		case terr == nil:
			status = updated.Status
		case domainagg.IsCode(terr, domainagg.CodeConflict):
			if fresh, gerr := e.deps.Store.GetByID(writeCtx, tx.ID); gerr == nil {
				status = fresh.Status
			}
		default:
			return e.report(tx, types.StatusCompensating, actions), terr
		}
	}

	report := e.report(tx, status, actions)
	e.recordUnresolved(actions)
	e.appendAudit(writeCtx, tx, report, md)

	if len(report.Exhausted) > 0 {
		return report, exhaustedError(report)
	}
	return report, nil
}

func exhaustedError(r types.CompensationReport) error {
	return types.CompensationExhaustedError("execute_compensation",
		fmt.Sprintf("compensation exhausted for %s", strings.Join(r.Exhausted, ", ")))
}

func hasRunnable(actions []*types.CompensationAction) bool {
	for _, a := range actions {
		if a.Status != types.ActionStatusCompleted && !a.Exhausted() {
			return true
		}
	}
	return false
}

func coversAll(actions []*types.CompensationAction, needed []string) bool {
	have := map[string]bool{}
	for _, a := range actions {
		have[a.ActionType] = true
	}
	for _, t := range needed {
		if !have[t] {
			return false
		}
	}
	return true
}

func (e *compensationEngine) report(tx *types.Transaction, status string, actions []*types.CompensationAction) types.CompensationReport {
	r := types.CompensationReport{
		TransactionID: tx.ID.String(),
		Status:        status,
		Completed:     []string{},
		Pending:       []string{},
		Exhausted:     []string{},
	}
	for _, a := range actions {
		switch {
		case a.Status == types.ActionStatusCompleted:
			r.Completed = append(r.Completed, a.ActionType)
		case a.Exhausted():
			r.Exhausted = append(r.Exhausted, a.ActionType)
		default:
			r.Pending = append(r.Pending, a.ActionType)
		}
	}
	return r
}

func (e *compensationEngine) recordUnresolved(actions []*types.CompensationAction) {
	if e.deps.Metrics == nil {
		return
	}
	counts := map[string]int{}
	for _, a := range actions {
		if a.Exhausted() {
			counts[a.ActionType]++
		}
	}
	for t, n := range counts {
		e.deps.Metrics.SetUnresolved(t, n)
	}
}

func (e *compensationEngine) appendAudit(ctx context.Context, tx *types.Transaction, report types.CompensationReport, md types.TransactionMetadata) {
	if e.deps.Audit == nil || report.Status == types.StatusCompensating {
		return
	}
	op := audit.OpCompensation
	if md.OperatorRefund {
		op = audit.OpRefund
	}
	entry := audit.Entry{
		MerchantID:         tx.MerchantID,
		UserID:             tx.UserID,
		SessionID:          tx.SessionID,
		Operation:          op,
		RequestPayloadHash: tx.RequestHash,
		ResponseReference:  tx.ID.String(),
		Outcome:            types.OutcomeSuccess,
		Actor:              ctxutil.Actor(ctx),
	}
	if len(report.Exhausted) > 0 {
		entry.Outcome = types.OutcomeFailure
		entry.Reason = "exhausted: " + strings.Join(report.Exhausted, ",")
	}
	if err := e.deps.Audit.Append(ctx, entry); err != nil {
		e.log.Warn("Audit append failed", "transaction_id", tx.ID.String(), "error", err)
	}
}

// neededActions maps completed forward steps to their compensations, in execution order.
func (e *compensationEngine) neededActions(ctx context.Context, tx *types.Transaction) ([]string, error) {
	var out []string
	if tx.InventoryReserved {
		out = append(out, types.ActionInventoryRelease)
	}
	switch {
	case tx.PaymentConfirmation != nil && *tx.PaymentConfirmation != "":
		out = append(out, types.ActionPaymentRefund)
	case tx.Status == types.StatusPending && tx.Gateway != "":
		// A capture was attempted and its outcome never recorded. Refunds are keyed by
		// transaction id, so this reverses a capture that did happen.
		out = append(out, types.ActionPaymentRefund)
	}
	hasOrder := tx.OrderReference != nil && *tx.OrderReference != ""
	if !hasOrder && e.deps.Orders != nil {
		_, err := e.deps.Orders.GetByTransaction(ctx, tx.ID, tx.MerchantID)
		switch {
		case err == nil:
			hasOrder = true
		case types.IsKind(err, types.KindNotFound):
		default:
			return nil, fmt.Errorf("check order: %w", err)
		}
	}
	if hasOrder {
		out = append(out, types.ActionOrderCancel, types.ActionNotificationSend)
	}
	return out, nil
}

func (e *compensationEngine) executeAction(ctx context.Context, tx *types.Transaction, a *types.CompensationAction, reason string) error {
	switch a.ActionType {
	case types.ActionInventoryRelease:
		if e.deps.Events == nil {
			return fmt.Errorf("event publisher unavailable")
		}
		md := tx.DecodeMetadata()
		work := events.InventoryWork{
			Action:        events.ActionReleaseInventory,
			TransactionID: tx.ID.String(),
			MerchantID:    tx.MerchantID,
			Items:         md.Items,
		}
		if tx.InventoryReservationID != nil {
			work.ReservationID = *tx.InventoryReservationID
		}
		return e.deps.Events.EnqueueInventory(ctx, work)

	case types.ActionPaymentRefund:
		if e.deps.Gateways == nil {
			return fmt.Errorf("payment gateways unavailable")
		}
		creds := payments.Credentials{Gateway: tx.Gateway}
		if e.deps.Credentials != nil {
			c, err := e.deps.Credentials.Credentials(ctx, tx.MerchantID, storedMethodKind(tx.PaymentMethod))
			if err != nil {
				return err
			}
			if tx.Gateway == "" {
				creds = c
			} else {
				creds.APIKey, creds.MerchantAccount = c.APIKey, c.MerchantAccount
			}
		}
		gw, err := e.deps.Gateways.Resolve(creds)
		if err != nil {
			return err
		}
		confirmation := ""
		if tx.PaymentConfirmation != nil {
			confirmation = *tx.PaymentConfirmation
		}
		res := gw.Refund(ctx, payments.RefundRequest{
			TransactionID:  tx.ID.String(),
			MerchantID:     tx.MerchantID,
			ConfirmationID: confirmation,
			Amount:         tx.TotalAmount,
			Reason:         reason,
			Credentials:    creds,
		})
		if !res.Success {
			return fmt.Errorf("refund %s: %s", res.Status, res.Error)
		}
		return nil

	case types.ActionOrderCancel:
		if e.deps.Orders == nil {
			return fmt.Errorf("order builder unavailable")
		}
		_, _, err := e.deps.Orders.Cancel(ctx, tx.ID, tx.MerchantID)
		return err

	case types.ActionNotificationSend:
		if e.deps.Events == nil {
			return fmt.Errorf("event publisher unavailable")
		}
		if reason == "" {
			reason = "order cancelled"
		}
		return e.deps.Events.PublishOrderCancelled(ctx, events.OrderCancelled{
			TransactionID: tx.ID.String(),
			MerchantID:    tx.MerchantID,
			Reason:        reason,
			Timestamp:     e.deps.Now(),
		})

	default:
		return fmt.Errorf("unknown compensation action type: %s", a.ActionType)
	}
}

func (e *compensationEngine) ListUnresolved(ctx context.Context, merchantID string, limit int) ([]*types.CompensationAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.deps.Store.ListUnresolved(ctx, merchantID, limit)
}

func failurePatch(reason string) aggregates.TransactionPatch {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return aggregates.TransactionPatch{}
	}
	return aggregates.TransactionPatch{FailureReason: &reason}
}

func actionPtrs(in []types.CompensationAction) []*types.CompensationAction {
	out := make([]*types.CompensationAction, 0, len(in))
	for i := range in {
		out = append(out, &in[i])
	}
	return out
}
