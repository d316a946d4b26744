package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfleet/maestro/pkg/plan"
	"github.com/openfleet/maestro/pkg/state"
)

// Kind classifies execution failures for event payloads and API responses.
type Kind string

// Failure kinds.
const (
	KindValidation       Kind = "validation"
	KindToolExecution    Kind = "tool_execution"
	KindTimeout          Kind = "timeout"
	KindPlanGeneration   Kind = "plan_generation"
	KindCompression      Kind = "compression"
	KindStateConsistency Kind = "state_consistency"
	KindCancelled        Kind = "cancelled"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindTaskFailure      Kind = "task_failure"
	KindLLM              Kind = "llm"
)

// Recoverable reports whether the session can keep going after a failure
// of this kind: a later Execute retries from the persisted state. Version
// conflicts mean another writer owns the session, so those are not.
func (k Kind) Recoverable() bool {
	return k != KindStateConsistency
}

// API-level sentinels.
var (
	// ErrSessionBusy means an execution is already running for the session.
	ErrSessionBusy = errors.New("session is already executing")

	// ErrNoPendingQuestion means Answer was called but the session is not
	// waiting on one.
	ErrNoPendingQuestion = errors.New("session has no pending question")

	// ErrBudgetExceeded means the step budget ran out mid-mission.
	ErrBudgetExceeded = errors.New("step budget exceeded")
)

// Error carries a failure kind alongside the cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func kindError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify maps an arbitrary error to its failure kind.
func Classify(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, plan.ErrPlanGeneration), errors.Is(err, plan.ErrPlanInvalid):
		return KindPlanGeneration
	case errors.Is(err, state.ErrVersionConflict):
		return KindStateConsistency
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	default:
		return KindLLM
	}
}
