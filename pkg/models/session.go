package models

import (
	"maps"
	"time"
)

// SessionState is the durable part of a session. It references the active
// plan by ID; conversation history and the plan document are stored
// separately. Version increases monotonically with every save and backs the
// store's optimistic concurrency check.
type SessionState struct {
	SessionID       string            `json:"session_id"`
	TodoListID      string            `json:"todolist_id,omitempty"`
	Mission         string            `json:"mission,omitempty"`
	Answers         map[string]string `json:"answers,omitempty"`
	PendingQuestion string            `json:"pending_question,omitempty"`
	Version         int               `json:"_version"`
	UpdatedAt       time.Time         `json:"_updated_at"`
}

// NewSessionState returns an unsaved state for a fresh session. Version 0
// means the state has never been persisted.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID: sessionID,
		Answers:   make(map[string]string),
	}
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Answers != nil {
		out.Answers = maps.Clone(s.Answers)
	}
	return &out
}

// Awaiting reports whether the session is blocked on a user answer.
func (s *SessionState) Awaiting() bool {
	return s.PendingQuestion != ""
}
