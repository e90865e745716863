package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoopState is the state of a user's loop sequence.
type LoopState string

const (
	LoopStateIdle      LoopState = "idle"
	LoopStateRequested LoopState = "requested"
	LoopStateStepping  LoopState = "stepping"
	LoopStateCompleted LoopState = "completed"
	LoopStateFailed    LoopState = "failed"
	LoopStateHalted    LoopState = "halted"
)

// InFlight reports whether the sequence still accepts step authorizations.
func (s LoopState) InFlight() bool {
	return s == LoopStateRequested || s == LoopStateStepping
}

// StopReason explains why the safety guard, or an operator, ended a sequence.
type StopReason string

const (
	StopNone            StopReason = ""
	StopTargetReached   StopReason = "target_reached"
	StopLoopCapReached  StopReason = "loop_cap_reached"
	StopNoProgress      StopReason = "no_progress"
	StopBelowMinBorrow  StopReason = "below_min_borrow"
	StopHaltRequested   StopReason = "halt_requested"
	StopUnwindRequested StopReason = "unwind_requested"
)

// LoopSession is the controller's view of a user's current loop sequence.
type LoopSession struct {
	User          string          `json:"user"`
	State         LoopState       `json:"state"`
	Sequence      int64           `json:"sequence"`
	LoopNumber    int             `json:"loop_number"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	TargetLTV     int64           `json:"target_ltv"`
	Reason        string          `json:"reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NextLoopNumber is the only step number ExecuteStep will accept.
func (s LoopSession) NextLoopNumber() int {
	return s.LoopNumber + 1
}

// UnwindState is the state of a user's unwind.
type UnwindState string

const (
	UnwindStateNotRequested UnwindState = "not_requested"
	UnwindStateRequested    UnwindState = "requested"
	UnwindStateRepaying     UnwindState = "repaying"
	UnwindStateCompleted    UnwindState = "completed"
	UnwindStateFailed       UnwindState = "failed"
)

// Pending reports whether an unwind has been asked for and not yet finished.
func (s UnwindState) Pending() bool {
	return s == UnwindStateRequested || s == UnwindStateRepaying
}

// UnwindTrigger identifies who asked for an unwind.
type UnwindTrigger string

const (
	TriggerUser UnwindTrigger = "user"
	TriggerRisk UnwindTrigger = "risk"
)

// UnwindSession is the controller's view of a user's unwind.
type UnwindSession struct {
	User      string        `json:"user"`
	State     UnwindState   `json:"state"`
	Trigger   UnwindTrigger `json:"trigger,omitempty"`
	Steps     int           `json:"steps"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
