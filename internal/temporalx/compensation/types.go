package compensation

import "time"

const (
	WorkflowName = "compensate_transaction"
	ActivityRun  = "compensate_transaction_run"
)

type Input struct {
	TransactionID string `json:"transaction_id"`
	MerchantID    string `json:"merchant_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// RunResult is one activity pass over a transaction's compensations.
type RunResult struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	Pending       []string   `json:"pending,omitempty"`
	Exhausted     []string   `json:"exhausted,omitempty"`
	WaitUntil     *time.Time `json:"wait_until,omitempty"`
}
