package compensation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/services"
)

// ErrNotFound is the application error type for a transaction that no longer exists.
const ErrNotFound = "TransactionNotFound"

type ActionLister interface {
	ListActions(ctx context.Context, id uuid.UUID) ([]*types.CompensationAction, error)
}

type Activities struct {
	Log     *logger.Logger
	Engine  services.CompensationEngine
	Actions ActionLister
}

func (a *Activities) Run(ctx context.Context, in Input) (RunResult, error) {
	res := RunResult{TransactionID: strings.TrimSpace(in.TransactionID)}
	if a == nil || a.Engine == nil {
		return res, fmt.Errorf("compensation: activity not configured")
	}
	txID, err := uuid.Parse(res.TransactionID)
	if err != nil {
		return res, temporal.NewNonRetryableApplicationError("invalid transaction id", ErrNotFound, err)
	}

	stopHB := heartbeat(ctx)
	defer stopHB()

	report, err := a.Engine.ExecuteCompensation(ctx, txID, in.MerchantID, in.Reason)
	switch {
	case err == nil, types.IsKind(err, types.KindCompensationExhausted):
	case types.IsKind(err, types.KindNotFound):
		return res, temporal.NewNonRetryableApplicationError(err.Error(), ErrNotFound, err)
	default:
		return res, err
	}
	res.Status = report.Status
	res.Pending = report.Pending
	res.Exhausted = report.Exhausted

	if report.Status == types.StatusCompensating && a.Actions != nil {
		actions, err := a.Actions.ListActions(ctx, txID)
		if err != nil {
			return res, err
		}
		res.WaitUntil = earliestAttempt(actions)
	}
	if a.Log != nil {
		a.Log.Debug("Compensation pass finished", "transaction_id", res.TransactionID, "status", res.Status, "pending", len(res.Pending))
	}
	return res, nil
}

func earliestAttempt(actions []*types.CompensationAction) *time.Time {
	var out *time.Time
	for _, act := range actions {
		if act.Status == types.ActionStatusCompleted || act.Exhausted() || act.NextAttemptAt == nil {
			continue
		}
		if out == nil || act.NextAttemptAt.Before(*out) {
			t := *act.NextAttemptAt
			out = &t
		}
	}
	return out
}

func heartbeat(ctx context.Context) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
