package compensation

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
)

const (
	defaultPollInterval  = 5 * time.Second
	maxPollInterval      = 5 * time.Minute
	continueTickLimit    = 500
	continueHistoryLimit = 10000
)

// Workflow drives one transaction's compensation to a settled status. The workflow id is the
// transaction id, so at most one runs per transaction.
func Workflow(ctx workflow.Context, in Input) error {
	if strings.TrimSpace(in.TransactionID) == "" {
		return fmt.Errorf("compensation: missing transaction_id")
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			NonRetryableErrorTypes: []string{ErrNotFound},
		},
	})
	log := workflow.GetLogger(ctx)

	for tick := 1; ; tick++ {
		var out RunResult
		if err := workflow.ExecuteActivity(ctx, ActivityRun, in).Get(ctx, &out); err != nil {
			return err
		}
		switch out.Status {
		case types.StatusCancelled, types.StatusRefunded:
			return nil
		case types.StatusFailed:
			if len(out.Exhausted) > 0 {
				log.Warn("Compensation exhausted", "transaction_id", in.TransactionID, "exhausted", out.Exhausted)
			}
			return nil
		}
		if err := workflow.Sleep(ctx, nextWait(ctx, out.WaitUntil)); err != nil {
			return err
		}
		if tick >= continueTickLimit || workflow.GetInfo(ctx).GetCurrentHistoryLength() >= continueHistoryLimit {
			return workflow.NewContinueAsNewError(ctx, Workflow, in)
		}
	}
}

func nextWait(ctx workflow.Context, waitUntil *time.Time) time.Duration {
	if waitUntil == nil || waitUntil.IsZero() {
		return defaultPollInterval
	}
	d := waitUntil.Sub(workflow.Now(ctx))
	switch {
	case d <= 0:
		return time.Second
	case d > maxPollInterval:
		return maxPollInterval
	default:
		return d
	}
}
