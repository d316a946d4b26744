// Package events defines the typed event stream emitted during agent
// execution, plus the optional Postgres-backed fan-out used by the
// WebSocket surface: events persisted and broadcast via pg_notify in one
// transaction, received on a dedicated LISTEN connection, and delivered to
// subscribed clients with catchup for late joiners.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates agent events.
type Kind string

// Event kinds.
const (
	KindThought     Kind = "thought"
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
	KindStateUpdate Kind = "state_update"
	KindAskUser     Kind = "ask_user"
	KindComplete    Kind = "complete"
	KindError       Kind = "error"
)

// AgentEvent is one entry in an execution's event stream.
type AgentEvent struct {
	ID        string         `json:"event_id"`
	Kind      Kind           `json:"type"`
	SessionID string         `json:"session_id"`
	Step      int            `json:"step,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event with a fresh ID and timestamp.
func New(kind Kind, sessionID string, step int, payload map[string]any) AgentEvent {
	return AgentEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		Step:      step,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Thought reports the model's reasoning for the current step.
func Thought(sessionID string, step int, text string) AgentEvent {
	return New(KindThought, sessionID, step, map[string]any{"text": text})
}

// Action reports a tool invocation about to run.
func Action(sessionID string, step, position int, toolName string, params map[string]any) AgentEvent {
	return New(KindAction, sessionID, step, map[string]any{
		"position": position,
		"tool":     toolName,
		"params":   params,
	})
}

// ControlAction reports a control decision by the model: ask_user, replan,
// or complete.
func ControlAction(sessionID string, step int, kind string) AgentEvent {
	return New(KindAction, sessionID, step, map[string]any{"kind": kind})
}

// Observation reports a tool result, with the attempt number for the plan
// item it served. The success flag mirrors the result's own success field
// so consumers need not dig into the payload.
func Observation(sessionID string, step, position, attempt int, success bool, result map[string]any) AgentEvent {
	return New(KindObservation, sessionID, step, map[string]any{
		"position": position,
		"attempt":  attempt,
		"success":  success,
		"result":   result,
	})
}

// StateUpdate reports a change to the plan or session state.
func StateUpdate(sessionID string, step int, payload map[string]any) AgentEvent {
	return New(KindStateUpdate, sessionID, step, payload)
}

// AskUser reports that execution paused on a question for the user.
func AskUser(sessionID string, step int, question string) AgentEvent {
	return New(KindAskUser, sessionID, step, map[string]any{"question": question})
}

// Complete reports that the mission finished, with the final answer.
func Complete(sessionID string, step int, answer string, succeeded bool) AgentEvent {
	return New(KindComplete, sessionID, step, map[string]any{
		"answer":    answer,
		"succeeded": succeeded,
	})
}

// Error reports a terminal execution failure. Recoverable means a later
// Execute on the same session can retry.
func Error(sessionID string, step int, kind, message string, recoverable bool) AgentEvent {
	return New(KindError, sessionID, step, map[string]any{
		"error_kind":  kind,
		"message":     message,
		"recoverable": recoverable,
	})
}

// GlobalChannel carries cross-session lifecycle notifications.
const GlobalChannel = "sessions"

// SessionChannel returns the notify channel for one session's events.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}
