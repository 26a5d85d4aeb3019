package wick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ToolSource supplies tools resolved fresh at the start of every turn, such
// as tools federated from MCP downstreams.
type ToolSource interface {
	Tools(ctx context.Context) []Tool
}

// Engine drives turns for one agent instance: the model/tool loop with hook
// middleware, emitting stream events to a Sink.
type Engine struct {
	id     string
	cfg    *AgentConfig
	client Client
	static []Tool
	hooks  []Hook
	source ToolSource
	log    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStaticTools sets the always-available tools.
func WithStaticTools(ts ...Tool) EngineOption {
	return func(e *Engine) { e.static = append(e.static, ts...) }
}

// WithHooks sets the hook chain; the first hook is the outermost wrapper.
func WithHooks(hs ...Hook) EngineOption {
	return func(e *Engine) { e.hooks = append(e.hooks, hs...) }
}

// WithToolSource adds a per-turn tool source (MCP federation).
func WithToolSource(src ToolSource) EngineOption {
	return func(e *Engine) { e.source = src }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine for an agent config.
func NewEngine(id string, cfg *AgentConfig, client Client, opts ...EngineOption) *Engine {
	e := &Engine{id: id, cfg: cfg, client: client, log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ID returns the agent ID this engine serves.
func (e *Engine) ID() string { return e.id }

// Config returns the engine's agent configuration.
func (e *Engine) Config() *AgentConfig { return e.cfg }

// Hooks returns the configured hook chain.
func (e *Engine) Hooks() []Hook { return e.hooks }

// Run executes one turn: append input to the thread, loop model calls and
// tool executions until the model stops requesting tools or the iteration
// budget runs out. Events stream to sink; the terminal event is always
// emitted and the sink is closed before Run returns. Context cancellation
// ends the turn with done and the partial transcript; every other failure
// emits error, and the returned error mirrors it.
func (e *Engine) Run(ctx context.Context, state *AgentState, input []Message, sink *Sink) error {
	start := time.Now()
	defer sink.Close()

	done := func() {
		sink.Emit(StreamEvent{
			Event:    EventDone,
			ThreadID: state.ThreadID,
			Data: map[string]any{
				"thread_id":         state.ThreadID,
				"total_duration_ms": time.Since(start).Milliseconds(),
			},
		})
	}

	fail := func(err error) error {
		if errors.Is(err, context.Canceled) {
			e.log.Info("turn cancelled", "agent", e.id, "thread", state.ThreadID)
			done()
			return nil
		}
		e.log.Error("turn failed", "agent", e.id, "thread", state.ThreadID, "err", err)
		sink.Emit(StreamEvent{
			Event:    EventError,
			ThreadID: state.ThreadID,
			Data:     map[string]any{"error": err.Error()},
		})
		return err
	}

	state.Messages = append(state.Messages, input...)
	if err := state.Messages.Validate(); err != nil {
		// Roll back so the stored thread is not poisoned by bad input.
		state.Messages = state.Messages[:len(state.Messages)-len(input)]
		return fail(fmt.Errorf("invalid transcript: %w", err))
	}

	state.ResetTools()
	for _, h := range e.hooks {
		if err := h.BeforeAgent(ctx, state); err != nil {
			return fail(fmt.Errorf("hook %s: %w", h.Name(), err))
		}
	}

	sink.Emit(StreamEvent{
		Event:    EventChainStart,
		Name:     "agent",
		ThreadID: state.ThreadID,
	})

	tools := e.collectTools(ctx, state)
	schemas := ToolSchemas(toolList(tools))

	modelCall := ChainModelCall(e.hooks, state, e.streamModelCall(sink, state.ThreadID))
	toolCall := ChainToolCall(e.hooks, state, execToolCall(tools))

	maxIter := e.cfg.EffectiveMaxIterations()
	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		req := &Request{
			Messages:    e.withSystem(state.Messages),
			Tools:       schemas,
			MaxTokens:   e.cfg.Model.MaxTokens,
			Temperature: e.cfg.Model.Temperature,
		}
		for _, h := range e.hooks {
			if err := h.ModifyRequest(ctx, state, req); err != nil {
				return fail(fmt.Errorf("hook %s: %w", h.Name(), err))
			}
		}

		runID := NewID()
		sink.Emit(StreamEvent{
			Event:    EventChatModelStart,
			Name:     e.cfg.Model.String(),
			RunID:    runID,
			ThreadID: state.ThreadID,
		})

		resp, err := modelCall(withRunID(ctx, runID), req)
		if err != nil {
			return fail(err)
		}

		sink.Emit(StreamEvent{
			Event:    EventChatModelEnd,
			Name:     e.cfg.Model.String(),
			RunID:    runID,
			ThreadID: state.ThreadID,
			Data: map[string]any{
				"content":    resp.Content,
				"tool_calls": len(resp.ToolCalls),
			},
		})

		state.Messages = append(state.Messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			sink.Emit(StreamEvent{Event: EventChainEnd, ThreadID: state.ThreadID})
			done()
			return nil
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			sink.Emit(StreamEvent{
				Event:    EventToolStart,
				Name:     call.Name,
				RunID:    call.ID,
				ThreadID: state.ThreadID,
				Data:     map[string]any{"input": call.Args},
			})
			res := toolCall(ctx, call)
			sink.Emit(StreamEvent{
				Event:    EventToolEnd,
				Name:     call.Name,
				RunID:    call.ID,
				ThreadID: state.ThreadID,
				Data:     map[string]any{"output": res.Content, "is_error": res.IsError},
			})
			state.Messages = append(state.Messages, res.Message())
		}
	}

	return fail(fmt.Errorf("%w (%d)", ErrMaxIterations, maxIter))
}

// withSystem prepends the configured system prompt without mutating the
// stored transcript. Hooks that extend the system message see a fresh copy
// each iteration.
func (e *Engine) withSystem(msgs Messages) Messages {
	if e.cfg.SystemPrompt == "" {
		return append(Messages(nil), msgs...)
	}
	out := make(Messages, 0, len(msgs)+1)
	out = append(out, SystemMessage(e.cfg.SystemPrompt))
	return append(out, msgs...)
}

// collectTools merges federated, static, and runtime tools. On name
// collisions the runtime registry beats static tools, which beat the tool
// source.
func (e *Engine) collectTools(ctx context.Context, state *AgentState) map[string]Tool {
	tools := map[string]Tool{}
	if e.source != nil {
		for _, t := range e.source.Tools(ctx) {
			tools[t.Name()] = t
		}
	}
	for _, t := range e.static {
		tools[t.Name()] = t
	}
	for _, t := range state.RuntimeTools() {
		tools[t.Name()] = t
	}
	return tools
}

func toolList(m map[string]Tool) []Tool {
	out := make([]Tool, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

type runIDKey struct{}

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the model run ID for the current model call, set
// by the engine before entering the hook chain.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// streamModelCall is the innermost model call: it forwards provider deltas
// to the sink as on_chat_model_stream events.
func (e *Engine) streamModelCall(sink *Sink, threadID string) ModelCallFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		runID := RunIDFromContext(ctx)
		deltas := make(chan Delta, 64)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for d := range deltas {
				if d.Content == "" {
					continue
				}
				sink.Emit(StreamEvent{
					Event:    EventChatModelStream,
					RunID:    runID,
					ThreadID: threadID,
					Data:     map[string]any{"chunk": map[string]any{"content": d.Content}},
				})
			}
		}()
		resp, err := e.client.Stream(ctx, *req, deltas)
		close(deltas)
		<-drained
		return resp, err
	}
}

// execToolCall is the innermost tool call: it resolves and runs the tool,
// folding execution errors into error-flagged results.
func execToolCall(tools map[string]Tool) ToolCallFunc {
	return func(ctx context.Context, call ToolCall) ToolResult {
		t, ok := tools[call.Name]
		if !ok {
			return ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    fmt.Sprintf("Error: unknown tool %q", call.Name),
				IsError:    true,
			}
		}
		out, err := t.Execute(ctx, call.Args)
		if err != nil {
			return ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    "Error: " + err.Error(),
				IsError:    true,
			}
		}
		return ToolResult{ToolCallID: call.ID, Name: call.Name, Content: out}
	}
}
