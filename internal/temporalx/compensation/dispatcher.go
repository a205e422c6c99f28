package compensation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// Dispatcher starts compensation workflows. A running workflow for the same transaction is
// reused rather than duplicated.
type Dispatcher struct {
	log       *logger.Logger
	tc        temporalsdkclient.Client
	taskQueue string
}

func NewDispatcher(log *logger.Logger, tc temporalsdkclient.Client, taskQueue string) (*Dispatcher, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	return &Dispatcher{log: log.With("component", "CompensationDispatcher"), tc: tc, taskQueue: taskQueue}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, txID uuid.UUID, merchantID, reason string) error {
	run, err := d.tc.ExecuteWorkflow(ctx, StartOptions(txID, d.taskQueue), WorkflowName, Input{
		TransactionID: txID.String(),
		MerchantID:    merchantID,
		Reason:        reason,
	})
	if err != nil {
		return fmt.Errorf("start compensation workflow: %w", err)
	}
	d.log.Debug("Compensation workflow dispatched", "transaction_id", txID.String(), "run_id", run.GetRunID())
	return nil
}

func StartOptions(txID uuid.UUID, taskQueue string) temporalsdkclient.StartWorkflowOptions {
	return temporalsdkclient.StartWorkflowOptions{
		ID:                       txID.String(),
		TaskQueue:                taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
}
