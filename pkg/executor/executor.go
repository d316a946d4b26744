// Package executor runs missions: it plans a TodoList, drives the ReAct
// loop over the plan's tasks, persists session state, and emits a typed
// event stream for every execution.
package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openfleet/maestro/pkg/config"
	"github.com/openfleet/maestro/pkg/events"
	"github.com/openfleet/maestro/pkg/history"
	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/plan"
	"github.com/openfleet/maestro/pkg/state"
	"github.com/openfleet/maestro/pkg/tool"
)

const defaultSystemPrompt = `You are an autonomous agent executing a mission one task at a time.
For every task you are given, either:
- call one of the available tools to make progress,
- call mark_task when the current task's acceptance criteria are met (or cannot be met),
- call ask_user when you are missing information only the user can provide,
- call replan when the plan no longer fits what you have learned,
- call complete_mission when the whole mission is finished.
Think briefly before acting. Tool results arrive as tool messages; treat them as ground truth.`

// streamBuffer is the per-execute event channel capacity.
const streamBuffer = 64

// Options wires an Executor.
type Options struct {
	Client   llm.Client
	Registry *tool.Registry
	Store    state.Store
	Engine   config.EngineConfig

	// Model drives the ReAct loop and planning; CompressionModel is used
	// for history summarization and defaults to Model.
	Model            string
	CompressionModel string

	// Publisher receives a copy of every emitted event, for the WebSocket
	// fan-out. Optional.
	Publisher events.Publisher

	// SystemPrompt overrides the built-in agent prompt.
	SystemPrompt string

	Logger *slog.Logger
}

// Executor owns per-session execution: one run at a time per session,
// cancellable, with conversation history kept in process and state
// persisted through the store.
type Executor struct {
	client     llm.Client
	registry   *tool.Registry
	store      state.Store
	cfg        config.EngineConfig
	planner    *plan.Planner
	envelope   *tool.Envelope
	compressor *history.Compressor
	publisher  events.Publisher
	sysPrompt  string
	model      string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the in-process side of a session: its conversation history and
// the cancel handle of the running execution, if any.
type session struct {
	runMu   sync.Mutex
	history *history.History

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compressionModel := opts.CompressionModel
	if compressionModel == "" {
		compressionModel = opts.Model
	}
	sysPrompt := opts.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Executor{
		client:   opts.Client,
		registry: opts.Registry,
		store:    opts.Store,
		cfg:      opts.Engine,
		planner:  plan.NewPlanner(opts.Client, opts.Model, logger),
		envelope: tool.NewEnvelope(opts.Registry, tool.EnvelopeOptions{
			Timeout:          opts.Engine.ToolTimeout,
			RetryBase:        opts.Engine.RetryBase,
			RetryFactor:      opts.Engine.RetryFactor,
			RetryMaxAttempts: opts.Engine.RetryMaxAttempts,
			Logger:           logger,
		}),
		compressor: history.NewCompressor(opts.Client, compressionModel,
			opts.Engine.SummaryThreshold, logger),
		publisher: publisher,
		sysPrompt: sysPrompt,
		model:     opts.Model,
		logger:    logger.With("component", "executor"),
		sessions:  make(map[string]*session),
	}
}

// RunOptions tune a single execution. A nil value uses the engine defaults.
type RunOptions struct {
	// Model overrides the configured reasoning model for this run.
	Model string `json:"model,omitempty"`

	// Temperature overrides the sampling temperature when set.
	Temperature *float32 `json:"temperature,omitempty"`

	// MaxSteps caps the loop iterations for this run when positive.
	MaxSteps int `json:"max_steps,omitempty"`

	// ToolAllowlist restricts which registry tools this run may use.
	// Control actions are always available. Empty means all tools.
	ToolAllowlist []string `json:"tool_allowlist,omitempty"`

	// UserContext is opaque caller data handed to every tool invocation.
	UserContext map[string]any `json:"user_context,omitempty"`

	// ResetOnTerminalPlan controls whether a finished plan is discarded
	// when a new query arrives. Unset follows the engine configuration.
	ResetOnTerminalPlan *bool `json:"reset_on_terminal_plan,omitempty"`
}

// Execute starts (or resumes) an execution for the session. The query is
// the mission for a fresh session; when the session is waiting on an
// ask_user question, the query is recorded as the answer and execution
// resumes. Returns the event stream for this execution; the stream closes
// when the run finishes. A session runs at most one execution at a time.
func (e *Executor) Execute(ctx context.Context, sessionID, query string, opts *RunOptions) (*events.Stream, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	sess := e.session(sessionID)
	if !sess.runMu.TryLock() {
		return nil, ErrSessionBusy
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()

	stream := events.NewStream(streamBuffer)
	go func() {
		defer func() {
			sess.mu.Lock()
			sess.cancel = nil
			sess.mu.Unlock()
			cancel()
			stream.Close()
			sess.runMu.Unlock()
		}()
		e.run(runCtx, sess, sessionID, query, opts, stream)
	}()
	return stream, nil
}

// Answer resumes a session that is blocked on an ask_user question. It
// fails when no question is pending.
func (e *Executor) Answer(ctx context.Context, sessionID, answer string, opts *RunOptions) (*events.Stream, error) {
	st, err := e.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !st.Awaiting() {
		return nil, ErrNoPendingQuestion
	}
	return e.Execute(ctx, sessionID, answer, opts)
}

// Cancel aborts the session's running execution, if any. Returns whether a
// run was cancelled.
func (e *Executor) Cancel(sessionID string) bool {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Running reports whether the session has an execution in flight.
func (e *Executor) Running(sessionID string) bool {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancel != nil
}

func (e *Executor) session(sessionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		sess = &session{history: history.New(e.sysPrompt, e.cfg.MaxMessages)}
		e.sessions[sessionID] = sess
	}
	return sess
}

// emit delivers an event to the execution stream and, best effort, to the
// external publisher.
func (e *Executor) emit(ctx context.Context, stream *events.Stream, ev events.AgentEvent) {
	stream.Emit(ev)
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed",
			"session_id", ev.SessionID, "type", ev.Kind, "error", err)
	}
}
