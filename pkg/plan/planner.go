// Package plan turns a mission into a validated TodoList by prompting the
// LLM for a structured plan and normalizing what comes back.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/models"
	"github.com/openfleet/maestro/pkg/tool"
)

const plannerSystemPrompt = `You are a planning assistant for an autonomous tool-using agent.
Given a mission and the available tools, produce a step-by-step plan.

Respond with a single JSON object of this shape:
{
  "items": [
    {
      "position": 0,
      "description": "what to do",
      "acceptance_criteria": "how to tell it is done",
      "dependencies": [],
      "chosen_tool": "optional tool name",
      "tool_input": {}
    }
  ],
  "open_questions": ["anything you need the user to clarify"],
  "notes": "free-form planning notes"
}

Rules:
- Positions start at 0 and increase in execution order.
- Order items so that dependencies always point at earlier positions.
- Dependencies reference other items by their position number.
- Only reference tools from the provided list in chosen_tool; omit it when unsure.
- Keep the plan as short as the mission allows.
- Respond with JSON only, no prose around it.`

// planDoc is the wire shape the model must produce.
type planDoc struct {
	Items []struct {
		Position           int            `json:"position"`
		Description        string         `json:"description"`
		AcceptanceCriteria string         `json:"acceptance_criteria"`
		Dependencies       []int          `json:"dependencies"`
		ChosenTool         string         `json:"chosen_tool"`
		ToolInput          map[string]any `json:"tool_input"`
	} `json:"items"`
	OpenQuestions []string `json:"open_questions"`
	Notes         string   `json:"notes"`
}

// Planner generates plans. Malformed model output is retried with the
// validation failure fed back as a correction.
type Planner struct {
	client     llm.Client
	model      string
	maxRetries int
	logger     *slog.Logger
}

// NewPlanner builds a planner using the given model. Two parse retries on
// top of the initial attempt.
func NewPlanner(client llm.Client, model string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client:     client,
		model:      model,
		maxRetries: 2,
		logger:     logger.With("component", "planner"),
	}
}

// Generate produces a validated TodoList for the mission. Prior user
// answers are included so replanning after an ask_user round benefits from
// them.
func (p *Planner) Generate(ctx context.Context, sessionID, mission string, tools []tool.Definition, answers map[string]string) (*models.TodoList, error) {
	messages := []models.Message{
		models.NewMessage(models.RoleSystem, plannerSystemPrompt),
		models.NewMessage(models.RoleUser, renderPlanningRequest(mission, tools, answers)),
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err := p.client.Complete(ctx, &llm.Request{
			Model:    p.model,
			Messages: messages,
			Format:   llm.FormatJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPlanGeneration, err)
		}

		list, err := p.buildList(sessionID, mission, resp.Content)
		if err == nil {
			p.logger.Info("plan generated",
				"session_id", sessionID, "items", len(list.Items),
				"open_questions", len(list.OpenQuestions), "attempt", attempt+1)
			return list, nil
		}

		lastErr = err
		p.logger.Warn("rejecting malformed plan",
			"session_id", sessionID, "attempt", attempt+1, "error", err)
		messages = append(messages,
			models.NewMessage(models.RoleAssistant, resp.Content),
			models.NewMessage(models.RoleUser,
				fmt.Sprintf("Your plan was rejected: %v. Respond again with only a corrected JSON object in the required shape.", err)),
		)
	}
	return nil, fmt.Errorf("%w: %w", ErrPlanGeneration, lastErr)
}

// buildList parses, normalizes, and validates one model response.
func (p *Planner) buildList(sessionID, mission, content string) (*models.TodoList, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: response contains no JSON object", ErrPlanInvalid)
	}

	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("%w: plan has no items", ErrPlanInvalid)
	}

	now := time.Now()
	list := &models.TodoList{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Mission:       mission,
		OpenQuestions: doc.OpenQuestions,
		Notes:         doc.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// re-densify positions to 0..n-1 in document order and remap dependencies
	remap := make(map[int]int, len(doc.Items))
	for i, item := range doc.Items {
		remap[item.Position] = i
	}
	for i, item := range doc.Items {
		if strings.TrimSpace(item.Description) == "" {
			return nil, fmt.Errorf("%w: item %d has no description", ErrPlanInvalid, i)
		}
		deps := make([]int, 0, len(item.Dependencies))
		for _, d := range item.Dependencies {
			mapped, ok := remap[d]
			if !ok {
				return nil, fmt.Errorf("%w: item %d depends on unknown position %d", ErrPlanInvalid, i, d)
			}
			deps = append(deps, mapped)
		}

		// chosen_tool is a hint, kept as-is even when the name matches no
		// registered tool; the executor points out the mismatch when the
		// task comes up
		list.Items = append(list.Items, &models.TodoItem{
			Position:           i,
			Description:        item.Description,
			AcceptanceCriteria: item.AcceptanceCriteria,
			Dependencies:       deps,
			ChosenTool:         item.ChosenTool,
			ToolInput:          item.ToolInput,
			Status:             models.TodoPending,
		})
	}

	if err := ValidateGraph(list.Items); err != nil {
		return nil, err
	}
	return list, nil
}

func renderPlanningRequest(mission string, tools []tool.Definition, answers map[string]string) string {
	var b strings.Builder
	b.WriteString("Mission:\n")
	b.WriteString(mission)
	b.WriteString("\n\nAvailable tools:\n")
	if len(tools) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			fmt.Fprintf(&b, "  parameters: %s\n", string(t.Parameters))
		}
	}
	if len(answers) > 0 {
		b.WriteString("\nClarifications already provided by the user:\n")
		for q, a := range answers {
			fmt.Fprintf(&b, "- %s: %s\n", q, a)
		}
	}
	return b.String()
}

// extractJSONObject returns the outermost JSON object in s, tolerating
// models that wrap their JSON in prose or code fences.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
