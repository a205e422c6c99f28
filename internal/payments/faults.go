package payments

import (
	"sync"
	"time"
)

const (
	OpCapture = "capture"
	OpRefund  = "refund"
)

// Fault describes a failure to force on one gateway call.
type Fault struct {
	Status  string
	Message string
	Delay   time.Duration
	Panic   bool
}

// FaultInjector lets tests force gateway outcomes. Production wiring leaves it nil.
type FaultInjector interface {
	Inject(gateway, op, transactionID string) *Fault
}

type FaultFunc func(gateway, op, transactionID string) *Fault

func (f FaultFunc) Inject(gateway, op, transactionID string) *Fault {
	return f(gateway, op, transactionID)
}

// ScriptedFaults hands out queued faults per operation in order, then nothing.
type ScriptedFaults struct {
	mu    sync.Mutex
	queue map[string][]Fault
	calls map[string]int
}

func NewScriptedFaults() *ScriptedFaults {
	return &ScriptedFaults{queue: map[string][]Fault{}, calls: map[string]int{}}
}

func (s *ScriptedFaults) Push(op string, faults ...Fault) *ScriptedFaults {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[op] = append(s.queue[op], faults...)
	return s
}

func (s *ScriptedFaults) Inject(_ string, op, _ string) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	q := s.queue[op]
	if len(q) == 0 {
		return nil
	}
	f := q[0]
	s.queue[op] = q[1:]
	return &f
}

// Calls returns how many times op reached the gateway.
func (s *ScriptedFaults) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}
