package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfleet/maestro/pkg/models"
	"github.com/openfleet/maestro/pkg/state"
)

// SessionSummary is one entry in the session list.
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	Mission         string `json:"mission,omitempty"`
	PendingQuestion string `json:"pending_question,omitempty"`
	Running         bool   `json:"running"`
	UpdatedAt       string `json:"updated_at"`
}

// SessionDetail is the full view of one session, plan included.
type SessionDetail struct {
	*models.SessionState
	Running bool             `json:"running"`
	Plan    *models.TodoList `json:"plan,omitempty"`
}

// listSessions handles GET /api/v1/sessions.
func (s *Server) listSessions(c *gin.Context) {
	states, err := s.store.ListStates(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]SessionSummary, 0, len(states))
	for _, st := range states {
		out = append(out, SessionSummary{
			SessionID:       st.SessionID,
			Mission:         st.Mission,
			PendingQuestion: st.PendingQuestion,
			Running:         s.engine.Running(st.SessionID),
			UpdatedAt:       st.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// getSession handles GET /api/v1/sessions/:id.
func (s *Server) getSession(c *gin.Context) {
	sessionID := c.Param("id")

	st, err := s.store.LoadState(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return
	}

	detail := SessionDetail{
		SessionState: st,
		Running:      s.engine.Running(sessionID),
	}
	if st.TodoListID != "" {
		pl, err := s.store.LoadPlan(c.Request.Context(), st.TodoListID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			fail(c, err)
			return
		}
		detail.Plan = pl
	}
	c.JSON(http.StatusOK, detail)
}

// deleteSession handles DELETE /api/v1/sessions/:id. A running session
// cannot be deleted.
func (s *Server) deleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	if s.engine.Running(sessionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "session is executing; cancel it first"})
		return
	}
	if err := s.store.DeleteState(c.Request.Context(), sessionID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
