package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zenin797/SunoTherapist/core"
)

// DefaultMaxToolRounds bounds the tool rounds of a single turn.
const DefaultMaxToolRounds = 10

// Memory is the slice of the memory manager the engine needs to preload
// recall memories.
type Memory interface {
	Recall(ctx context.Context, rc core.RunContext, query string) ([]string, error)
	FormatRecall(memories []string) string
}

// Observer is called after every step with the messages that step added.
type Observer func(rc core.RunContext, step core.Step, added []core.Message)

// Engine drives conversations through the load-memories, agent and tools
// steps, checkpointing after each one.
type Engine struct {
	model         core.Model
	registry      *ToolRegistry
	memory        Memory       // Optional: recall preloading
	checkpointer  Checkpointer // Defaults to in-memory
	systemPrompt  string
	maxToolRounds int
	preload       bool
	observer      Observer
	tracer        trace.Tracer
	now           func() time.Time

	locks sync.Map // checkpoint key -> *sync.Mutex
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory sets the memory used for recall preloading and formatting.
func WithMemory(m Memory) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithCheckpointer sets where conversation state is persisted.
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) {
		e.checkpointer = c
	}
}

// WithMaxToolRounds sets the tool round limit. Values below 1 are ignored.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxToolRounds = n
		}
	}
}

// WithPreload makes the load-memories step search memory with the latest
// user message before the model is called.
func WithPreload(enabled bool) Option {
	return func(e *Engine) {
		e.preload = enabled
	}
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		e.systemPrompt = prompt
	}
}

// WithObserver registers a step callback.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// New creates an engine. The registry is sealed here if it was not already.
func New(model core.Model, registry *ToolRegistry, opts ...Option) *Engine {
	if registry == nil {
		registry = NewToolRegistry()
	}
	e := &Engine{
		model:         model,
		registry:      registry,
		systemPrompt:  DefaultSystemPrompt,
		maxToolRounds: DefaultMaxToolRounds,
		tracer:        otel.Tracer("github.com/Zenin797/SunoTherapist/engine"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.checkpointer == nil {
		e.checkpointer = NewMemoryCheckpointer()
	}
	registry.Seal()
	return e
}

// Registry returns the engine's tool registry.
func (e *Engine) Registry() *ToolRegistry {
	return e.registry
}

// Input is one user turn.
type Input struct {
	RunContext  core.RunContext
	UserMessage string
}

// Output is the result of a turn.
type Output struct {
	// Type indicates the kind of output.
	Type OutputType

	// Text is the final assistant message.
	Text string

	// Messages are the messages this turn added to the transcript.
	Messages []core.Message

	// ToolsUsed records every tool call executed during the turn.
	ToolsUsed []ToolExecution

	// TokensUsed tracks model token consumption for this turn.
	TokensUsed core.TokenUsage

	// Error is set when Type is OutputError.
	Error error
}

// OutputType indicates the kind of output from a turn.
type OutputType int

const (
	// OutputComplete indicates the turn finished with an assistant answer.
	OutputComplete OutputType = iota

	// OutputError indicates the turn stopped early.
	OutputError
)

// ToolExecution records one tool call.
type ToolExecution struct {
	Tool       string          `json:"tool"`
	CallID     string          `json:"call_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     interface{}     `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Run starts a new turn on the conversation identified by the run context.
// It fails with core.ErrTurnInProgress when the previous turn was
// interrupted; call Resume first.
func (e *Engine) Run(ctx context.Context, input *Input) (*Output, error) {
	rc := input.RunContext
	if err := rc.Validate(); err != nil {
		return &Output{Type: OutputError, Error: err}, err
	}
	text := strings.TrimSpace(input.UserMessage)
	if text == "" {
		err := core.Validationf("user message is empty")
		return &Output{Type: OutputError, Error: err}, err
	}

	unlock := e.lock(rc.Key())
	defer unlock()

	st, err := e.checkpointer.Get(ctx, rc.Key())
	if err != nil {
		return &Output{Type: OutputError, Error: err}, fmt.Errorf("load checkpoint: %w", err)
	}
	if !st.Terminal() {
		err := fmt.Errorf("%w: thread %s stopped at step %s", core.ErrTurnInProgress, rc.Thread(), st.Step)
		return &Output{Type: OutputError, Error: err}, err
	}
	if st == nil {
		st = &core.State{}
	}

	start := len(st.Messages)
	st.Messages = append(st.Messages, core.UserMessage(text))
	st.RecallMemories = nil
	st.ToolRounds = 0
	st.Step = core.StepLoadMemories
	if err := e.checkpoint(ctx, rc, st); err != nil {
		return &Output{Type: OutputError, Error: err}, err
	}

	log.WithFields(log.Fields{"user_id": rc.UserID, "thread_id": rc.Thread()}).Debug("[ENGINE] Turn started")
	return e.drive(ctx, rc, st, start)
}

// Resume finishes an interrupted turn from its last checkpoint.
func (e *Engine) Resume(ctx context.Context, rc core.RunContext) (*Output, error) {
	if err := rc.Validate(); err != nil {
		return &Output{Type: OutputError, Error: err}, err
	}

	unlock := e.lock(rc.Key())
	defer unlock()

	st, err := e.checkpointer.Get(ctx, rc.Key())
	if err != nil {
		return &Output{Type: OutputError, Error: err}, fmt.Errorf("load checkpoint: %w", err)
	}
	if st.Terminal() {
		err := core.NotFoundf("no interrupted turn on thread %s", rc.Thread())
		return &Output{Type: OutputError, Error: err}, err
	}

	start := len(st.Messages)
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == core.RoleUser {
			start = i
			break
		}
	}

	log.WithFields(log.Fields{"user_id": rc.UserID, "thread_id": rc.Thread(), "step": st.Step}).Info("[ENGINE] Resuming turn")
	return e.drive(ctx, rc, st, start)
}

// History returns the stored transcript of a conversation.
func (e *Engine) History(ctx context.Context, rc core.RunContext) ([]core.Message, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	st, err := e.checkpointer.Get(ctx, rc.Key())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	return st.Messages, nil
}

// Reset forgets a conversation. Stored memories are not affected.
func (e *Engine) Reset(ctx context.Context, rc core.RunContext) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	return e.checkpointer.Delete(ctx, rc.Key())
}

// Threads lists the user's conversations when the checkpointer supports it.
func (e *Engine) Threads(ctx context.Context, userID string) ([]string, error) {
	lister, ok := e.checkpointer.(ThreadLister)
	if !ok {
		return nil, fmt.Errorf("checkpointer %T cannot list threads", e.checkpointer)
	}
	return lister.Threads(ctx, userID)
}

// drive runs steps until the turn reaches a terminal state or fails.
func (e *Engine) drive(ctx context.Context, rc core.RunContext, st *core.State, start int) (*Output, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Turn", trace.WithAttributes(
		attribute.String("user_id", rc.UserID),
		attribute.String("thread_id", rc.Thread()),
	))
	defer span.End()

	out := &Output{}
	for {
		if err := ctx.Err(); err != nil {
			// The last checkpoint is the recovery point.
			out.Type = OutputError
			out.Error = fmt.Errorf("interrupted at step %s: %w", st.Step, err)
			out.Messages = st.Messages[start:]
			span.SetStatus(codes.Error, err.Error())
			return out, nil
		}

		step := st.Step
		before := len(st.Messages)

		switch step {
		case core.StepLoadMemories:
			st.RecallMemories = e.loadMemories(ctx, rc, st)
			st.Step = core.StepAgent

		case core.StepAgent:
			if st.ToolRounds >= e.maxToolRounds {
				return e.stopToolLoop(ctx, rc, st, start, out, span)
			}
			if err := e.agentStep(ctx, st, out); err != nil {
				log.WithError(err).WithField("user_id", rc.UserID).Error("[ENGINE] Model call failed")
				span.SetStatus(codes.Error, err.Error())
				out.Type = OutputError
				out.Error = fmt.Errorf("model error: %w", err)
				out.Messages = st.Messages[start:]
				return out, err
			}

		case core.StepTools:
			e.toolsStep(ctx, rc, st, out)

		case core.StepDone, "":
			out.Type = OutputComplete
			out.Messages = st.Messages[start:]
			if n := len(st.Messages); n > 0 {
				out.Text = st.Messages[n-1].Content
			}
			log.WithFields(log.Fields{
				"user_id":   rc.UserID,
				"thread_id": rc.Thread(),
				"tools":     len(out.ToolsUsed),
			}).Debug("[ENGINE] Turn complete")
			return out, nil

		default:
			err := fmt.Errorf("unknown step %q", step)
			out.Type = OutputError
			out.Error = err
			return out, err
		}

		if err := e.checkpoint(ctx, rc, st); err != nil {
			span.SetStatus(codes.Error, err.Error())
			out.Type = OutputError
			out.Error = err
			out.Messages = st.Messages[start:]
			return out, err
		}
		if e.observer != nil {
			e.observer(rc, step, st.Messages[before:])
		}
	}
}

func (e *Engine) loadMemories(ctx context.Context, rc core.RunContext, st *core.State) []string {
	if !e.preload || e.memory == nil {
		return []string{}
	}
	query := st.LastUserMessage()
	memories, err := e.memory.Recall(ctx, rc, query)
	if err != nil {
		// Non-fatal, continue without memories
		log.WithError(err).WithField("user_id", rc.UserID).Warn("[MEMORY] Recall failed")
		return []string{}
	}
	log.WithFields(log.Fields{"user_id": rc.UserID, "count": len(memories)}).Debug("[MEMORY] Recalled memories")
	return memories
}

func (e *Engine) agentStep(ctx context.Context, st *core.State, out *Output) error {
	ctx, span := e.tracer.Start(ctx, "engine.Agent")
	defer span.End()

	recall := ""
	if e.memory != nil {
		recall = e.memory.FormatRecall(st.RecallMemories)
	}

	resp, err := e.model.Generate(ctx, &core.ModelRequest{
		System:   RenderSystemPrompt(e.systemPrompt, recall),
		Messages: st.Messages,
		Tools:    e.registry.Definitions(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	out.TokensUsed.Add(resp.Usage)

	msg := resp.Message
	msg.Role = core.RoleAssistant
	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		switch {
		case len(call.Arguments) == 0:
			call.Arguments = json.RawMessage("{}")
		case !json.Valid(call.Arguments):
			// Keep the transcript encodable; the registry rejects the
			// quoted string against the object schema.
			call.Arguments, _ = json.Marshal(string(call.Arguments))
		}
	}
	st.Messages = append(st.Messages, msg)

	if msg.HasToolCalls() {
		st.Step = core.StepTools
	} else {
		st.Step = core.StepDone
	}
	return nil
}

// toolsStep executes every call of the last assistant message in request
// order. Interrupted tool steps are re-run in full on Resume.
func (e *Engine) toolsStep(ctx context.Context, rc core.RunContext, st *core.State, out *Output) {
	ctx, span := e.tracer.Start(ctx, "engine.Tools")
	defer span.End()

	var calls []core.ToolCall
	if n := len(st.Messages); n > 0 {
		calls = st.Messages[n-1].ToolCalls
	}
	span.SetAttributes(attribute.Int("tool.calls", len(calls)))

	for _, call := range calls {
		started := e.now()
		msg, exec := e.registry.Dispatch(ctx, rc, call)
		exec.DurationMs = e.now().Sub(started).Milliseconds()
		st.Messages = append(st.Messages, msg)
		out.ToolsUsed = append(out.ToolsUsed, *exec)
	}
	st.ToolRounds++
	st.Step = core.StepAgent
}

func (e *Engine) stopToolLoop(ctx context.Context, rc core.RunContext, st *core.State, start int, out *Output, span trace.Span) (*Output, error) {
	loopErr := fmt.Errorf("%w: stopped after %d tool rounds", core.ErrToolLoopExceeded, st.ToolRounds)
	log.WithFields(log.Fields{"user_id": rc.UserID, "rounds": st.ToolRounds}).Warn("[ENGINE] Tool loop limit reached")
	span.SetStatus(codes.Error, loopErr.Error())

	msg := core.AssistantMessage(fmt.Sprintf(
		"I stopped after %d rounds of tool calls without reaching an answer. Please try again or rephrase the request.",
		st.ToolRounds,
	))
	st.Messages = append(st.Messages, msg)
	st.Step = core.StepDone
	if err := e.checkpoint(ctx, rc, st); err != nil {
		out.Type = OutputError
		out.Error = err
		return out, err
	}
	if e.observer != nil {
		e.observer(rc, core.StepAgent, []core.Message{msg})
	}

	out.Type = OutputError
	out.Text = msg.Content
	out.Error = loopErr
	out.Messages = st.Messages[start:]
	return out, nil
}

func (e *Engine) checkpoint(ctx context.Context, rc core.RunContext, st *core.State) error {
	st.UpdatedAt = e.now().UTC()
	// Checkpoints survive cancellation of the turn.
	if err := e.checkpointer.Put(context.WithoutCancel(ctx), rc.Key(), st); err != nil {
		return fmt.Errorf("checkpoint %s: %w", rc.Key(), err)
	}
	return nil
}

// lock serializes turns on one conversation.
func (e *Engine) lock(key string) func() {
	v, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
