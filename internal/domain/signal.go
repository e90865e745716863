package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names a state-change signal emitted by the origin domain.
type EventKind string

const (
	EventLoopRequested       EventKind = "LoopRequested"
	EventLoopStepCompleted   EventKind = "LoopStepCompleted"
	EventLoopingCompleted    EventKind = "LoopingCompleted"
	EventLoopHalted          EventKind = "LoopHalted"
	EventLoopFailed          EventKind = "LoopFailed"
	EventUnwindRequested     EventKind = "UnwindRequested"
	EventUnwindStepCompleted EventKind = "UnwindStepCompleted"
	EventUnwindCompleted     EventKind = "UnwindCompleted"
	EventUnwindFailed        EventKind = "UnwindFailed"
	EventHealthObserved      EventKind = "HealthObserved"
)

// AlertObservedRisk names the notification sent when an observe-only
// position crosses the risk threshold.
const AlertObservedRisk = "ObservedRisk"

// EventSource tells where a signal came from. Signals from the in-process
// origin leave it empty.
type EventSource string

// SourceChain marks signals decoded from LooperVault logs. Those users are
// observed only: no instruction is ever addressed to them.
const SourceChain EventSource = "chain"

// Terminal reports whether the event ends a loop sequence.
func (k EventKind) Terminal() bool {
	return k == EventLoopingCompleted || k == EventLoopHalted || k == EventLoopFailed
}

// Event is an immutable signal describing one state change. Every event
// carries the position snapshot taken right after the change.
type Event struct {
	ID            string          `json:"id"`
	Kind          EventKind       `json:"kind"`
	Source        EventSource     `json:"source,omitempty"`
	User          string          `json:"user"`
	Sequence      int64           `json:"sequence"`
	LoopNumber    int             `json:"loop_number"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	TargetLTV     int64           `json:"target_ltv"`
	Step          *StepRecord     `json:"step,omitempty"`
	Unwind        *UnwindRecord   `json:"unwind,omitempty"`
	Position      Position        `json:"position"`
	HealthFactor  decimal.Decimal `json:"health_factor"`
	Trigger       UnwindTrigger   `json:"trigger,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// InstructionKind names a command the dispatcher sends back to the origin.
type InstructionKind string

const (
	InstructionExecuteStep   InstructionKind = "execute_step"
	InstructionHaltLoop      InstructionKind = "halt_loop"
	InstructionAbortStep     InstructionKind = "abort_step"
	InstructionRequestUnwind InstructionKind = "request_unwind"
	InstructionStartUnwind   InstructionKind = "start_unwind"
)

// Instruction is a dispatcher decision addressed to one user's controllers.
// Step instructions carry the sequence they were issued for; the origin
// ignores them once that sequence is over.
type Instruction struct {
	ID         string          `json:"id"`
	Kind       InstructionKind `json:"kind"`
	User       string          `json:"user"`
	Sequence   int64           `json:"sequence,omitempty"`
	LoopNumber int             `json:"loop_number,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
}

// EventPublisher emits origin events to whoever observes them.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// InstructionPublisher delivers dispatcher decisions to the origin.
type InstructionPublisher interface {
	PublishInstruction(ctx context.Context, in Instruction) error
}
