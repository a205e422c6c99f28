package compensation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type scriptedEngine struct {
	mu      sync.Mutex
	reports []types.CompensationReport
	errs    []error
	calls   int
}

func (e *scriptedEngine) ExecuteCompensation(_ context.Context, txID uuid.UUID, _, _ string) (types.CompensationReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	if i >= len(e.reports) {
		i = len(e.reports) - 1
	}
	var err error
	if i < len(e.errs) {
		err = e.errs[i]
	}
	r := e.reports[i]
	r.TransactionID = txID.String()
	return r, err
}

func (e *scriptedEngine) ListUnresolved(context.Context, string, int) ([]*types.CompensationAction, error) {
	return nil, nil
}

type fixedActions struct{ next time.Time }

func (f fixedActions) ListActions(context.Context, uuid.UUID) ([]*types.CompensationAction, error) {
	return []*types.CompensationAction{
		{ActionType: types.ActionPaymentRefund, Status: types.ActionStatusFailed, RetryCount: 1, MaxRetries: 3, NextAttemptAt: &f.next},
		{ActionType: types.ActionInventoryRelease, Status: types.ActionStatusCompleted},
	}, nil
}

func runWorkflow(t *testing.T, acts *Activities, in Input) error {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(Workflow)
	env.RegisterActivityWithOptions(acts.Run, activity.RegisterOptions{Name: ActivityRun})
	env.ExecuteWorkflow(Workflow, in)
	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow did not complete")
	}
	return env.GetWorkflowError()
}

func TestWorkflowPollsUntilSettled(t *testing.T) {
	engine := &scriptedEngine{reports: []types.CompensationReport{
		{Status: types.StatusCompensating, Pending: []string{types.ActionPaymentRefund}},
		{Status: types.StatusCancelled},
	}}
	acts := &Activities{Log: logger.Nop(), Engine: engine, Actions: fixedActions{next: time.Now().Add(time.Minute)}}

	if err := runWorkflow(t, acts, Input{TransactionID: uuid.NewString(), Reason: "sweep"}); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if engine.calls != 2 {
		t.Fatalf("engine calls: want=2 got=%d", engine.calls)
	}
}

func TestWorkflowEndsOnExhaustion(t *testing.T) {
	engine := &scriptedEngine{
		reports: []types.CompensationReport{{Status: types.StatusFailed, Exhausted: []string{types.ActionPaymentRefund}}},
		errs:    []error{types.CompensationExhaustedError("execute_compensation", "exhausted")},
	}
	acts := &Activities{Log: logger.Nop(), Engine: engine}

	if err := runWorkflow(t, acts, Input{TransactionID: uuid.NewString()}); err != nil {
		t.Fatalf("exhaustion should settle the workflow: %v", err)
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls: want=1 got=%d", engine.calls)
	}
}

func TestWorkflowStopsOnMissingTransaction(t *testing.T) {
	engine := &scriptedEngine{
		reports: []types.CompensationReport{{}},
		errs:    []error{types.NewError(types.KindNotFound, "execute_compensation", "transaction not found", nil)},
	}
	acts := &Activities{Log: logger.Nop(), Engine: engine}

	if err := runWorkflow(t, acts, Input{TransactionID: uuid.NewString()}); err == nil {
		t.Fatalf("expected workflow error for a missing transaction")
	}
	if engine.calls != 1 {
		t.Fatalf("not-found was retried: calls=%d", engine.calls)
	}
}

func TestEarliestAttempt(t *testing.T) {
	now := time.Now()
	soon, later := now.Add(time.Second), now.Add(time.Hour)
	got := earliestAttempt([]*types.CompensationAction{
		{Status: types.ActionStatusFailed, RetryCount: 1, MaxRetries: 3, NextAttemptAt: &later},
		{Status: types.ActionStatusFailed, RetryCount: 1, MaxRetries: 3, NextAttemptAt: &soon},
		{Status: types.ActionStatusFailed, RetryCount: 3, MaxRetries: 3, NextAttemptAt: &now},
	})
	if got == nil || !got.Equal(soon) {
		t.Fatalf("earliest: want=%v got=%v", soon, got)
	}
}

func TestStartOptionsReuseRunningWorkflow(t *testing.T) {
	id := uuid.New()
	opts := StartOptions(id, "q")
	if opts.ID != id.String() || opts.TaskQueue != "q" {
		t.Fatalf("options: %+v", opts)
	}
	if opts.WorkflowIDConflictPolicy != enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING {
		t.Fatalf("conflict policy: %v", opts.WorkflowIDConflictPolicy)
	}
}
