package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openfleet/maestro/pkg/events"
	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/models"
	"github.com/openfleet/maestro/pkg/state"
	"github.com/openfleet/maestro/pkg/tool"
)

// runState bundles everything one execution mutates, with the engine
// defaults already merged with the per-run option overrides.
type runState struct {
	sess   *session
	st     *models.SessionState
	pl     *models.TodoList
	stream *events.Stream
	opts   *RunOptions

	model     string
	maxSteps  int
	tools     []llm.ToolDefinition
	planTools []tool.Definition
	allowed   map[string]bool
	step      int
}

func (e *Executor) run(ctx context.Context, sess *session, sessionID, query string, opts *RunOptions, stream *events.Stream) {
	log := e.logger.With("session_id", sessionID)

	st, err := e.store.LoadState(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		st = models.NewSessionState(sessionID)
	} else if err != nil {
		e.emit(ctx, stream, events.Error(sessionID, 0, string(KindStateConsistency), err.Error(),
			KindStateConsistency.Recoverable()))
		return
	}
	if st.Answers == nil {
		st.Answers = make(map[string]string)
	}

	r := &runState{sess: sess, st: st, stream: stream, opts: opts}
	r.model = e.model
	if opts.Model != "" {
		r.model = opts.Model
	}
	r.maxSteps = e.cfg.MaxSteps
	if opts.MaxSteps > 0 {
		r.maxSteps = opts.MaxSteps
	}
	r.planTools = e.registry.Definitions()
	if len(opts.ToolAllowlist) > 0 {
		r.allowed = make(map[string]bool, len(opts.ToolAllowlist))
		for _, name := range opts.ToolAllowlist {
			r.allowed[name] = true
		}
		kept := r.planTools[:0]
		for _, d := range r.planTools {
			if r.allowed[d.Name] {
				kept = append(kept, d)
			}
		}
		r.planTools = kept
	}
	r.tools = toolDefs(r.planTools)

	answering := st.Awaiting()
	if answering {
		st.Answers[st.PendingQuestion] = query
		st.PendingQuestion = ""
		sess.history.Append(models.NewMessage(models.RoleUser,
			"Answer to your question: "+query))
		log.Info("resuming after user answer")
	} else {
		sess.history.Append(models.NewMessage(models.RoleUser, query))
	}

	if err := e.acquirePlan(ctx, r, query, answering); err != nil {
		e.fail(ctx, r, err)
		return
	}

	// unanswered open questions pause execution before any task runs
	for _, q := range r.pl.OpenQuestions {
		if _, answered := st.Answers[q]; !answered {
			e.pauseForQuestion(ctx, r, q)
			return
		}
	}

	e.loop(ctx, r, log)
}

// acquirePlan loads the session's plan or generates a fresh one. A finished
// plan is discarded when a new query arrives so the session replans;
// resuming with answers in hand also replans when the previous plan carried
// open questions.
func (e *Executor) acquirePlan(ctx context.Context, r *runState, query string, answering bool) error {
	if r.st.TodoListID != "" {
		pl, err := e.store.LoadPlan(ctx, r.st.TodoListID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return kindError(KindStateConsistency, err)
		}
		r.pl = pl
	}

	reset := e.cfg.ResetPlans()
	if r.opts.ResetOnTerminalPlan != nil {
		reset = *r.opts.ResetOnTerminalPlan
	}
	if r.pl != nil && !answering && r.pl.Terminal() && reset {
		// a new query starts a new mission: the old plan, its answers, and
		// any stale question go; conversation history stays
		r.pl = nil
		r.st.TodoListID = ""
		r.st.PendingQuestion = ""
		r.st.Answers = make(map[string]string)
	}
	if r.pl != nil && answering && len(r.pl.OpenQuestions) > 0 {
		r.pl = nil
	}
	if r.pl != nil {
		return nil
	}

	if !answering {
		r.st.Mission = query
	}
	return e.generatePlan(ctx, r)
}

func (e *Executor) generatePlan(ctx context.Context, r *runState) error {
	pl, err := e.planner.Generate(ctx, r.st.SessionID, r.st.Mission,
		r.planTools, r.st.Answers)
	if err != nil {
		return kindError(KindPlanGeneration, err)
	}
	r.pl = pl
	r.st.TodoListID = pl.ID
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.emit(ctx, r.stream, events.StateUpdate(r.st.SessionID, r.step, map[string]any{
		"change":      "plan_created",
		"todolist_id": pl.ID,
		"items":       len(pl.Items),
	}))
	return nil
}

// loop is the ReAct engine: pick the next eligible task, let the model
// think and act, record the observation, repeat until the plan is terminal
// or a control action pauses or ends the run.
func (e *Executor) loop(ctx context.Context, r *runState, log *slog.Logger) {
	for r.step = 1; r.step <= r.maxSteps; r.step++ {
		if ctx.Err() != nil {
			e.cancelled(ctx, r)
			return
		}

		if r.sess.history.Len() >= e.cfg.SummaryThreshold {
			res, err := e.compressor.Compress(ctx, r.sess.history)
			if res.Compressed || res.FellBack {
				e.emit(ctx, r.stream, events.StateUpdate(r.st.SessionID, r.step, map[string]any{
					"change":    "history_compressed",
					"removed":   res.Removed,
					"fell_back": res.FellBack,
				}))
			}
			if err != nil {
				log.Warn("history compression degraded", "error", err)
			}
		}

		if changed := r.pl.ResolveBlocked(e.cfg.SkipOnDependencyFailure); len(changed) > 0 {
			positions := make([]int, len(changed))
			for i, it := range changed {
				positions[i] = it.Position
			}
			if err := e.persist(ctx, r); err != nil {
				e.fail(ctx, r, err)
				return
			}
			e.emit(ctx, r.stream, events.StateUpdate(r.st.SessionID, r.step, map[string]any{
				"change":    "dependents_resolved",
				"positions": positions,
				"skipped":   e.cfg.SkipOnDependencyFailure,
			}))
		}

		item := r.pl.NextEligible()
		if item == nil {
			if r.pl.Terminal() {
				if r.pl.Succeeded() {
					e.conclude(ctx, r)
				} else {
					counts := r.pl.Counts()
					e.fail(ctx, r, kindError(KindTaskFailure,
						fmt.Errorf("%d of %d tasks failed", counts[models.TodoFailed], len(r.pl.Items))))
				}
				return
			}
			// in-progress item from a previous pause resumes; anything else
			// is an inconsistent plan
			if item = e.resumable(r.pl); item == nil {
				e.fail(ctx, r, kindError(KindStateConsistency,
					errors.New("no eligible task in non-terminal plan")))
				return
			}
		}
		if item.Status != models.TodoInProgress {
			item.Status = models.TodoInProgress
			if err := e.persist(ctx, r); err != nil {
				e.fail(ctx, r, err)
				return
			}
		}

		resp, err := e.client.Complete(ctx, &llm.Request{
			Model:       r.model,
			Messages:    append(r.sess.history.Messages(), taskPrompt(item, r.step, r.maxSteps, r.toolAvailable(item.ChosenTool))),
			Tools:       r.tools,
			Temperature: r.opts.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				e.cancelled(ctx, r)
				return
			}
			e.fail(ctx, r, kindError(KindLLM, err))
			return
		}

		if strings.TrimSpace(resp.Content) != "" {
			e.emit(ctx, r.stream, events.Thought(r.st.SessionID, r.step, resp.Content))
		}
		r.sess.history.Append(models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			CreatedAt: time.Now(),
		})

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				r.sess.history.Append(models.NewMessage(models.RoleUser,
					"Respond with a tool call: use a domain tool to progress the task, or mark_task / ask_user / replan / complete_mission."))
			}
			continue
		}

		done := e.handleToolCalls(ctx, r, item, resp.ToolCalls)
		if done {
			return
		}
	}

	// step budget exhausted
	if item := e.resumable(r.pl); item != nil {
		item.Status = models.TodoPending
	}
	e.fail(ctx, r, kindError(KindBudgetExceeded,
		fmt.Errorf("%w: %d steps", ErrBudgetExceeded, r.maxSteps)))
}

// handleToolCalls executes every call in the response in order. Domain
// tools run through the envelope and feed the current item's attempt
// bookkeeping; control tools steer the run. Every call gets a tool result
// message so the conversation stays well-formed. Returns true when the run
// is over (paused or terminal).
func (e *Executor) handleToolCalls(ctx context.Context, r *runState, item *models.TodoItem, calls []models.ToolCall) bool {
	var (
		ask      *askUserArgs
		replan   bool
		complete *completeArgs
	)

	for _, call := range calls {
		switch call.Name {
		case ctrlAskUser:
			args, err := decodeArgs[askUserArgs](call.Arguments)
			e.appendControlResult(r, call, err)
			if err == nil {
				ask = &args
				e.emit(ctx, r.stream, events.ControlAction(r.st.SessionID, r.step, "ask_user"))
			}

		case ctrlReplan:
			args, err := decodeArgs[replanArgs](call.Arguments)
			e.appendControlResult(r, call, err)
			if err == nil {
				replan = true
				e.emit(ctx, r.stream, events.ControlAction(r.st.SessionID, r.step, "replan"))
				r.sess.history.Append(models.NewMessage(models.RoleUser,
					"Replan requested: "+args.Reason))
			}

		case ctrlMarkTask:
			args, err := decodeArgs[markTaskArgs](call.Arguments)
			e.appendControlResult(r, call, err)
			if err != nil {
				continue
			}
			if args.Success {
				item.Status = models.TodoDone
				item.Result = args.Result
			} else {
				item.Status = models.TodoFailed
				item.LastError = args.Result
			}
			e.emit(ctx, r.stream, events.StateUpdate(r.st.SessionID, r.step, map[string]any{
				"change":   "task_marked",
				"position": item.Position,
				"status":   item.Status,
			}))

		case ctrlComplete:
			args, err := decodeArgs[completeArgs](call.Arguments)
			e.appendControlResult(r, call, err)
			if err == nil {
				complete = &args
				e.emit(ctx, r.stream, events.ControlAction(r.st.SessionID, r.step, "complete"))
			}

		default:
			// once the item is terminal or out of attempts, later calls in
			// the same response are answered but not executed
			if item.Status.Terminal() || item.Attempts >= e.cfg.MaxAttempts {
				e.appendUnexecutedCall(r, call)
				continue
			}
			e.invokeDomainTool(ctx, r, item, call)
		}
	}

	if err := e.persist(ctx, r); err != nil {
		e.fail(ctx, r, err)
		return true
	}

	switch {
	case ask != nil:
		if item.Status == models.TodoInProgress {
			item.Status = models.TodoPending
		}
		e.pauseForQuestion(ctx, r, ask.Question)
		return true

	case complete != nil:
		if item.Status == models.TodoInProgress {
			item.Status = models.TodoDone
			item.Result = truncateAnswer(complete.Answer)
		}
		for _, it := range r.pl.Items {
			if !it.Status.Terminal() {
				it.Status = models.TodoSkipped
			}
		}
		if err := e.persist(ctx, r); err != nil {
			e.fail(ctx, r, err)
			return true
		}
		r.sess.history.Append(models.NewMessage(models.RoleAssistant, complete.Answer))
		e.emit(ctx, r.stream, events.Complete(r.st.SessionID, r.step, complete.Answer, r.pl.Succeeded()))
		return true

	case replan:
		r.st.TodoListID = ""
		r.pl = nil
		if err := e.generatePlan(ctx, r); err != nil {
			e.fail(ctx, r, err)
			return true
		}
		return false
	}
	return false
}

// truncateAnswer trims an answer for use as a task result.
func truncateAnswer(answer string) string {
	if len(answer) > 200 {
		return answer[:200]
	}
	return answer
}

// invokeDomainTool runs one registry tool through the envelope and applies
// attempt bookkeeping to the current item.
func (e *Executor) invokeDomainTool(ctx context.Context, r *runState, item *models.TodoItem, call models.ToolCall) {
	var params map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &params); err != nil {
			result := tool.Failure(tool.FailInvalidParams, "arguments are not a JSON object: "+err.Error())
			e.recordObservation(ctx, r, item, call, result)
			return
		}
	}

	if r.allowed != nil && !r.allowed[call.Name] {
		result := tool.Failure(tool.FailUnknownTool,
			fmt.Sprintf("tool %q is not available in this run", call.Name))
		e.recordObservation(ctx, r, item, call, result)
		return
	}

	e.emit(ctx, r.stream, events.Action(r.st.SessionID, r.step, item.Position, call.Name, params))
	result := e.envelope.Invoke(ctx, &tool.Context{
		SessionID: r.st.SessionID,
		Logger:    e.logger,
		User:      r.opts.UserContext,
	}, call.Name, params)
	e.recordObservation(ctx, r, item, call, result)
}

// recordObservation appends the tool result to history, emits the
// Observation, and advances the item's status.
func (e *Executor) recordObservation(ctx context.Context, r *runState, item *models.TodoItem, call models.ToolCall, result map[string]any) {
	item.Attempts++
	e.emit(ctx, r.stream, events.Observation(r.st.SessionID, r.step, item.Position, item.Attempts,
		tool.Succeeded(result), result))

	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(`{"success":false,"error":"tool_error","detail":"unencodable result"}`)
	}
	r.sess.history.Append(models.NewToolResultMessage(call.ID, call.Name, string(content)))

	if tool.Succeeded(result) {
		item.Status = models.TodoDone
		item.Result = string(content)
		item.LastError = ""
		return
	}

	if detail, ok := result["detail"].(string); ok {
		item.LastError = detail
	} else {
		item.LastError = fmt.Sprintf("%v", result["error"])
	}
	if item.Attempts >= e.cfg.MaxAttempts {
		item.Status = models.TodoFailed
		e.emit(ctx, r.stream, events.StateUpdate(r.st.SessionID, r.step, map[string]any{
			"change":   "task_failed",
			"position": item.Position,
			"attempts": item.Attempts,
			"error":    item.LastError,
		}))
	}
}

// conclude asks the model for the final answer once every task is terminal.
func (e *Executor) conclude(ctx context.Context, r *runState) {
	counts := r.pl.Counts()
	fallback := fmt.Sprintf("Mission finished: %d done, %d failed, %d skipped.",
		counts[models.TodoDone], counts[models.TodoFailed], counts[models.TodoSkipped])

	answer := fallback
	resp, err := e.client.Complete(ctx, &llm.Request{
		Model: r.model,
		Messages: append(r.sess.history.Messages(), models.NewMessage(models.RoleUser,
			"All tasks are finished. Give the final answer to the mission, based on everything above.")),
		Temperature: r.opts.Temperature,
	})
	if err != nil {
		e.logger.Warn("final answer generation failed, using summary",
			"session_id", r.st.SessionID, "error", err)
	} else if strings.TrimSpace(resp.Content) != "" {
		answer = resp.Content
	}

	r.sess.history.Append(models.NewMessage(models.RoleAssistant, answer))
	if err := e.persist(ctx, r); err != nil {
		e.fail(ctx, r, err)
		return
	}
	e.emit(ctx, r.stream, events.Complete(r.st.SessionID, r.step, answer, r.pl.Succeeded()))
}

// pauseForQuestion parks the session on an ask_user question.
func (e *Executor) pauseForQuestion(ctx context.Context, r *runState, question string) {
	r.st.PendingQuestion = question
	if err := e.persist(ctx, r); err != nil {
		e.fail(ctx, r, err)
		return
	}
	e.emit(ctx, r.stream, events.AskUser(r.st.SessionID, r.step, question))
}

// cancelled finalizes a run aborted by Cancel or context expiry. The
// in-flight task goes back to pending so a later Execute can resume it.
func (e *Executor) cancelled(ctx context.Context, r *runState) {
	if item := e.resumable(r.pl); item != nil {
		item.Status = models.TodoPending
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := e.persist(saveCtx, r); err != nil {
		e.logger.Warn("saving state after cancellation failed",
			"session_id", r.st.SessionID, "error", err)
	}
	e.emit(saveCtx, r.stream, events.Error(r.st.SessionID, r.step, string(KindCancelled),
		"execution cancelled", KindCancelled.Recoverable()))
}

// fail finalizes a run on an unrecoverable error.
func (e *Executor) fail(ctx context.Context, r *runState, err error) {
	kind := Classify(err)
	e.logger.Error("execution failed",
		"session_id", r.st.SessionID, "kind", kind, "step", r.step, "error", err)

	saveCtx := context.WithoutCancel(ctx)
	if saveErr := e.persist(saveCtx, r); saveErr != nil {
		e.logger.Warn("saving state after failure failed",
			"session_id", r.st.SessionID, "error", saveErr)
	}
	e.emit(saveCtx, r.stream, events.Error(r.st.SessionID, r.step, string(kind), err.Error(), kind.Recoverable()))
}

// persist saves the plan (when present) and the session state. A version
// conflict means another writer touched the session and this run must stop.
func (e *Executor) persist(ctx context.Context, r *runState) error {
	if r.pl != nil {
		if err := e.store.SavePlan(ctx, r.pl); err != nil {
			return kindError(KindStateConsistency, err)
		}
	}
	if err := e.store.SaveState(ctx, r.st); err != nil {
		return kindError(KindStateConsistency, err)
	}
	return nil
}

func (e *Executor) resumable(pl *models.TodoList) *models.TodoItem {
	for _, it := range pl.Items {
		if it.Status == models.TodoInProgress {
			return it
		}
	}
	return nil
}

// appendUnexecutedCall answers a tool call that was not run because the
// current task already used up its attempts.
func (e *Executor) appendUnexecutedCall(r *runState, call models.ToolCall) {
	result := tool.Failure(tool.FailToolError, "call not executed: task attempt limit reached")
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(`{"success":false,"error":"tool_error"}`)
	}
	r.sess.history.Append(models.NewToolResultMessage(call.ID, call.Name, string(content)))
}

// appendControlResult keeps the conversation well-formed by answering every
// control tool call with a tool message.
func (e *Executor) appendControlResult(r *runState, call models.ToolCall, err error) {
	content := `{"success":true}`
	if err != nil {
		content = fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	r.sess.history.Append(models.NewToolResultMessage(call.ID, call.Name, content))
}

// toolAvailable reports whether name is among the tools this run offers
// the model. An empty name counts as available.
func (r *runState) toolAvailable(name string) bool {
	if name == "" {
		return true
	}
	for _, d := range r.planTools {
		if d.Name == name {
			return true
		}
	}
	return false
}

// taskPrompt is the transient per-iteration instruction; it is sent with
// the request but not recorded in history.
func taskPrompt(item *models.TodoItem, step, maxSteps int, toolAvailable bool) models.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Current task #%d: %s", item.Position, item.Description)
	if item.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria: %s", item.AcceptanceCriteria)
	}
	if item.ChosenTool != "" {
		fmt.Fprintf(&b, "\nPlanner suggestion: tool %q", item.ChosenTool)
		if !toolAvailable {
			b.WriteString(" (not among the available tools, choose another)")
		}
		if len(item.ToolInput) > 0 {
			if hint, err := json.Marshal(item.ToolInput); err == nil {
				fmt.Fprintf(&b, " with input %s", hint)
			}
		}
	}
	if item.Attempts > 0 {
		fmt.Fprintf(&b, "\nPrior attempts: %d (last error: %s)", item.Attempts, item.LastError)
	}
	fmt.Fprintf(&b, "\nStep %d of %d.", step, maxSteps)
	return models.NewMessage(models.RoleUser, b.String())
}
