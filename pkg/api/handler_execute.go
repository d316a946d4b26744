package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfleet/maestro/pkg/events"
	"github.com/openfleet/maestro/pkg/executor"
)

// ExecuteRequest is the body for POST /api/v1/sessions/:id/execute. All
// fields besides the query tune this run only.
type ExecuteRequest struct {
	Query               string         `json:"query" binding:"required"`
	Model               string         `json:"model"`
	Temperature         *float32       `json:"temperature"`
	MaxSteps            int            `json:"max_steps"`
	ToolAllowlist       []string       `json:"tool_allowlist"`
	Context             map[string]any `json:"context"`
	ResetOnTerminalPlan *bool          `json:"reset_on_terminal_plan"`
}

func (r *ExecuteRequest) runOptions() *executor.RunOptions {
	return &executor.RunOptions{
		Model:               r.Model,
		Temperature:         r.Temperature,
		MaxSteps:            r.MaxSteps,
		ToolAllowlist:       r.ToolAllowlist,
		UserContext:         r.Context,
		ResetOnTerminalPlan: r.ResetOnTerminalPlan,
	}
}

// AnswerRequest is the body for POST /api/v1/sessions/:id/answer.
type AnswerRequest struct {
	Answer  string         `json:"answer" binding:"required"`
	Context map[string]any `json:"context"`
}

// execute handles POST /api/v1/sessions/:id/execute. The response is a
// server-sent event stream of the execution's events; the stream ends when
// the run finishes or pauses on a question.
func (s *Server) execute(c *gin.Context) {
	sessionID := c.Param("id")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stream, err := s.engine.Execute(c.Request.Context(), sessionID, req.Query, req.runOptions())
	if err != nil {
		fail(c, err)
		return
	}
	s.streamEvents(c, stream)
}

// answer handles POST /api/v1/sessions/:id/answer, resuming a session that
// is waiting on an ask_user question.
func (s *Server) answer(c *gin.Context) {
	sessionID := c.Param("id")

	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stream, err := s.engine.Answer(c.Request.Context(), sessionID, req.Answer,
		&executor.RunOptions{UserContext: req.Context})
	if err != nil {
		fail(c, err)
		return
	}
	s.streamEvents(c, stream)
}

// cancel handles POST /api/v1/sessions/:id/cancel.
func (s *Server) cancel(c *gin.Context) {
	sessionID := c.Param("id")
	if !s.engine.Cancel(sessionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not executing"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// streamEvents relays the execution's events as SSE until the stream closes
// or the client goes away. The run itself is detached from the request
// context, so a dropped client does not cancel execution.
func (s *Server) streamEvents(c *gin.Context, stream *events.Stream) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()
		case <-clientGone:
			// keep consuming so the detached run never blocks on a full
			// stream buffer
			go func() {
				for range stream.Events() {
				}
			}()
			return
		}
	}
}
