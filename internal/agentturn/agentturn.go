// Package agentturn implements AgentTurn: the end-to-end execution of one
// user turn — system-prompt layering, the bounded tool-call loop, history
// persistence, tail-bound compaction, and context-overflow retry.
package agentturn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wangenius/shipmyagent/internal/egress"
	"github.com/wangenius/shipmyagent/internal/history"
	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/internal/telemetry"
	"github.com/wangenius/shipmyagent/internal/tools"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

const (
	defaultMaxSteps              = 30
	defaultInMemoryMaxMessages   = 60
	defaultCompactKeepLast       = 30
	defaultMaxCompactionAttempts = 3
	defaultMaxInputTokensApprox  = 128_000
)

// ErrContextOverflow is the sentinel an LLM error wraps when it looks like a
// "prompt too large" rejection, detected by matching the provider's error
// text since LanguageModel is an opaque capability with no typed error
// taxonomy of its own to switch on.
var ErrContextOverflow = errors.New("agentturn: context overflow")

var contextOverflowPattern = regexp.MustCompile(`(?i)context_length|too long|maximum context|context window`)

// classifyModelErr wraps err with ErrContextOverflow when its text matches
// the context-overflow family, so callers can use errors.Is instead of
// re-matching the pattern themselves.
func classifyModelErr(err error) error {
	if err == nil {
		return nil
	}
	if contextOverflowPattern.MatchString(err.Error()) {
		return fmt.Errorf("%w: %s", ErrContextOverflow, err)
	}
	return err
}

// SkillPromptLookup resolves a pinned skill id to its prompt text. Unknown
// ids are skipped rather than failing the turn.
type SkillPromptLookup func(skillID string) (string, bool)

// OnStep is invoked once per loop iteration with the assistant-visible text
// and tool activity for that step.
type OnStep func(protocol.StepEvent)

// TurnInput is one user turn's request.
type TurnInput struct {
	ContextID string
	UserText  string
	Channel   string
	TargetID  string
	ActorID   string
	MessageID string
	ThreadID  string
}

// RunResult is AgentTurn's output.
type RunResult struct {
	Success          bool
	Output           string
	ToolCalls        []protocol.ModelToolCall
	AssistantMessage protocol.ChatMessage
}

// Options overrides AgentTurn's default step/compaction budgets, mainly for
// tests; zero values fall back to package defaults.
type Options struct {
	MaxSteps              int
	InMemoryMaxMessages   int
	CompactKeepLast       int
	MaxCompactionAttempts int
	MaxInputTokensApprox  int
	DefaultSystemPrompt   string
}

// Engine runs AgentTurns against one Layout-rooted runtime.
type Engine struct {
	layout       pathlayout.Layout
	stores       StoreLookup
	model        protocol.LanguageModel
	baseTools    *tools.Registry
	router       *egress.Router
	skillPrompts SkillPromptLookup

	maxSteps              int
	inMemoryMax           int
	compactKeepLast       int
	maxCompactionAttempts int
	maxInputTokensApprox  int
	defaultSystemPrompt   string
}

// StoreLookup resolves a contextId to its (lazily-created) HistoryStore.
type StoreLookup func(contextID string) (*history.Store, error)

// New builds an Engine. baseTools holds the shared, stateless tools (shell,
// context ops); chat_send is added per turn with its own "did this turn
// reply" flag, so baseTools must not itself register chat_send. skillPrompts
// may be nil if no skills are pinned. router may be nil (no egress wiring,
// e.g. tests) — chat_send and the fallback sender are then unavailable.
func New(layout pathlayout.Layout, stores StoreLookup, model protocol.LanguageModel, baseTools *tools.Registry, router *egress.Router, skillPrompts SkillPromptLookup, opts Options) *Engine {
	e := &Engine{
		layout:                layout,
		stores:                stores,
		model:                 model,
		baseTools:             baseTools,
		router:                router,
		skillPrompts:          skillPrompts,
		maxSteps:              opts.MaxSteps,
		inMemoryMax:           opts.InMemoryMaxMessages,
		compactKeepLast:       opts.CompactKeepLast,
		maxCompactionAttempts: opts.MaxCompactionAttempts,
		maxInputTokensApprox:  opts.MaxInputTokensApprox,
		defaultSystemPrompt:   opts.DefaultSystemPrompt,
	}
	if e.maxSteps <= 0 {
		e.maxSteps = defaultMaxSteps
	}
	if e.inMemoryMax <= 0 {
		e.inMemoryMax = defaultInMemoryMaxMessages
	}
	if e.compactKeepLast <= 0 {
		e.compactKeepLast = defaultCompactKeepLast
	}
	if e.maxCompactionAttempts <= 0 {
		e.maxCompactionAttempts = defaultMaxCompactionAttempts
	}
	if e.maxInputTokensApprox <= 0 {
		e.maxInputTokensApprox = defaultMaxInputTokensApprox
	}
	if e.defaultSystemPrompt == "" {
		e.defaultSystemPrompt = defaultSystemPromptText
	}
	return e
}

// Run executes one user turn end-to-end.
func (e *Engine) Run(ctx context.Context, in TurnInput, onStep OnStep) (*RunResult, error) {
	if normalizeUserText(in.UserText) == "" {
		return &RunResult{Success: false, Output: "empty message ignored"}, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "agentturn.run", trace.WithAttributes(
		attribute.String("contextId", in.ContextID),
		attribute.String("channel", in.Channel),
	))
	defer span.End()

	requestID := uuid.NewString()
	ctx = telemetry.WithRequestContext(ctx, telemetry.RequestContext{
		RequestID: requestID,
		ContextID: in.ContextID,
		Channel:   in.Channel,
		TargetID:  in.TargetID,
		ActorID:   in.ActorID,
		MessageID: in.MessageID,
		ThreadID:  in.ThreadID,
	})

	store, err := e.stores(in.ContextID)
	if err != nil {
		return nil, fmt.Errorf("agentturn: resolving history store: %w", err)
	}

	emit(onStep, protocol.EventRunStarted, requestID, in.ContextID, nil)

	var result *RunResult
	for attempt := 0; attempt <= e.maxCompactionAttempts; attempt++ {
		result, err = e.runOnce(ctx, store, requestID, in, onStep)
		if err == nil {
			break
		}
		err = classifyModelErr(err)
		if !errors.Is(err, ErrContextOverflow) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			emit(onStep, protocol.EventRunFailed, requestID, in.ContextID, map[string]string{"error": err.Error()})
			return nil, err
		}
		if attempt == e.maxCompactionAttempts {
			slog.Warn("agentturn: context-overflow retries exhausted, clearing history", "contextId", in.ContextID, "requestId", requestID)
			if clearErr := store.ClearHistory(); clearErr != nil {
				slog.Error("agentturn: failed to clear history after exhausting retries", "contextId", in.ContextID, "error", clearErr)
			}
			msg := "this conversation grew too large to continue and had to be reset; please restate what you need"
			emit(onStep, protocol.EventRunFailed, requestID, in.ContextID, map[string]string{"error": "context overflow, history cleared"})
			return &RunResult{Success: false, Output: msg}, nil
		}
		slog.Info("agentturn: context overflow, compacting and retrying", "contextId", in.ContextID, "attempt", attempt+1)
		compactOpts := history.CompactOptions{
			KeepLastMessages:     e.compactKeepLast,
			ArchiveOnCompact:     true,
			SystemText:           e.buildSystemPrompt(store, in),
			MaxInputTokensApprox: e.maxInputTokensApprox,
		}
		if _, compactErr := store.CompactIfNeeded(ctx, compactOpts); compactErr != nil {
			slog.Error("agentturn: compaction during overflow retry failed", "contextId", in.ContextID, "error", compactErr)
		}
		emit(onStep, protocol.EventCompaction, requestID, in.ContextID, map[string]int{"attempt": attempt + 1})
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("success", result.Success))
	if result.Success {
		emit(onStep, protocol.EventRunCompleted, requestID, in.ContextID, nil)
	} else {
		span.SetStatus(codes.Error, result.Output)
		emit(onStep, protocol.EventRunFailed, requestID, in.ContextID, map[string]string{"output": result.Output})
	}
	return result, nil
}

// runOnce performs steps 2-9 of the algorithm for one attempt. A non-nil
// error that matches contextOverflowPattern signals the caller to compact
// and retry; any other error is fatal.
func (e *Engine) runOnce(ctx context.Context, store *history.Store, requestID string, in TurnInput, onStep OnStep) (*RunResult, error) {
	systemPrompt := e.buildSystemPrompt(store, in)

	tail, err := store.LoadTail(e.inMemoryMax)
	if err != nil {
		return nil, fmt.Errorf("agentturn: loading history tail: %w", err)
	}
	messages := history.ToModelMessages(tail)
	messages = append([]protocol.ModelMessage{{Role: "system", Content: systemPrompt}}, messages...)
	messages = append(messages, protocol.ModelMessage{Role: "user", Content: in.UserText})

	turnTools, sentFlag := e.turnTools()

	var toolCalls []protocol.ModelToolCall
	var hadToolFailure bool
	var finalContent string
	completed := false
	var loopState toolLoopState

stepLoop:
	for step := 0; step < e.maxSteps; step++ {
		req := protocol.ModelRequest{Messages: messages, Tools: turnTools.Definitions()}

		resp, err := e.model.Generate(ctx, req)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			completed = true
			emitStepText(onStep, requestID, in.ContextID, resp.Content)
			break
		}

		messages = append(messages, protocol.ModelMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		emitStepText(onStep, requestID, in.ContextID, resp.Content)

		for _, call := range resp.ToolCalls {
			toolCalls = append(toolCalls, call)
			emit(onStep, protocol.EventToolCall, requestID, in.ContextID, map[string]interface{}{"name": call.Name, "args": call.Arguments})

			argsHash := loopState.record(call.Name, call.Arguments)
			result := turnTools.Execute(ctx, call.Name, call.Arguments)
			if result.IsError {
				hadToolFailure = true
			}
			loopState.recordResult(argsHash, result.ForLLM)
			emit(onStep, protocol.EventToolResult, requestID, in.ContextID, map[string]interface{}{"name": call.Name, "isError": result.IsError})

			messages = append(messages, protocol.ModelMessage{Role: "tool", Content: result.ForLLM, ToolCallID: call.ID})

			if level, msg := loopState.detect(call.Name, argsHash); level != "" {
				if level == "critical" {
					slog.Warn("agentturn: tool loop critical, aborting turn", "contextId", in.ContextID, "requestId", requestID, "tool", call.Name)
					finalContent = "I got stuck repeatedly calling " + call.Name + " without making progress. Please try rephrasing your request."
					hadToolFailure = true
					completed = true
					break stepLoop
				}
				slog.Warn("agentturn: tool loop warning", "contextId", in.ContextID, "requestId", requestID, "tool", call.Name)
				messages = append(messages, protocol.ModelMessage{Role: "user", Content: msg})
			}
		}
	}

	if !completed {
		slog.Warn("agentturn: step limit reached without a final answer", "contextId", in.ContextID, "requestId", requestID, "maxSteps", e.maxSteps)
		hadToolFailure = true
		if finalContent == "" {
			finalContent = "I wasn't able to finish within the allotted steps for this turn."
		}
	}

	// If chat_send was never called but there's assistant text, a fallback
	// sender delivers it so the user sees something.
	if !*sentFlag && finalContent != "" && e.router != nil {
		if err := e.router.SendToChatKey(in.ContextID, finalContent); err != nil {
			slog.Warn("agentturn: fallback sender failed", "contextId", in.ContextID, "error", err)
		}
	}

	if hadToolFailure {
		finalContent = appendFailureSummary(finalContent, toolCalls)
	}

	userMsg := protocol.NewUserMessage(uuid.NewString(), in.ContextID, in.UserText)
	assistantMsg := protocol.NewAssistantMessage(uuid.NewString(), in.ContextID, finalContent)

	if err := store.Append(userMsg); err != nil {
		return nil, fmt.Errorf("agentturn: persisting user message: %w", err)
	}
	if err := store.Append(assistantMsg); err != nil {
		return nil, fmt.Errorf("agentturn: persisting assistant message: %w", err)
	}

	if count, err := store.CountMessages(); err == nil && count > e.inMemoryMax {
		compactOpts := history.CompactOptions{
			KeepLastMessages:     e.compactKeepLast,
			ArchiveOnCompact:     true,
			SystemText:           systemPrompt,
			MaxInputTokensApprox: e.maxInputTokensApprox,
		}
		if _, compactErr := store.CompactIfNeeded(ctx, compactOpts); compactErr != nil {
			slog.Warn("agentturn: post-turn compaction failed", "contextId", in.ContextID, "error", compactErr)
		}
	}

	return &RunResult{
		Success:          !hadToolFailure,
		Output:           finalContent,
		ToolCalls:        toolCalls,
		AssistantMessage: assistantMsg,
	}, nil
}

// turnTools builds a fresh registry for one turn: every shared base tool
// plus a chat_send bound to this turn's own "did it reply" flag.
func (e *Engine) turnTools() (*tools.Registry, *bool) {
	sent := new(bool)
	reg := tools.NewRegistry()
	if e.baseTools != nil {
		for _, t := range e.baseTools.All() {
			reg.Register(t)
		}
	}
	if e.router != nil {
		reg.Register(egress.NewChatSendTool(e.router, sent))
	}
	return reg, sent
}

func (e *Engine) buildSystemPrompt(store *history.Store, in TurnInput) string {
	var out string

	if data, err := os.ReadFile(e.layout.AgentMD()); err == nil {
		out += string(data) + "\n\n"
	}

	out += e.defaultSystemPrompt + "\n\n"

	if meta, err := store.LoadMeta(); err == nil && e.skillPrompts != nil {
		for _, skillID := range meta.PinnedSkillIDs {
			if prompt, ok := e.skillPrompts(skillID); ok {
				out += prompt + "\n\n"
			}
		}
	}

	out += ambientContextBlock(in)
	return out
}

func ambientContextBlock(in TurnInput) string {
	return fmt.Sprintf("[context] channel=%s targetId=%s actorId=%s\n", in.Channel, in.TargetID, in.ActorID)
}

func appendFailureSummary(output string, calls []protocol.ModelToolCall) string {
	if len(calls) == 0 {
		return output
	}
	return output + "\n\n[one or more tool calls failed during this turn]"
}

func normalizeUserText(text string) string {
	out := text
	for len(out) > 0 && (out[0] == ' ' || out[0] == '\n' || out[0] == '\t' || out[0] == '\r') {
		out = out[1:]
	}
	for len(out) > 0 {
		last := out[len(out)-1]
		if last == ' ' || last == '\n' || last == '\t' || last == '\r' {
			out = out[:len(out)-1]
			continue
		}
		break
	}
	return out
}

func emit(onStep OnStep, eventType, requestID, contextID string, payload interface{}) {
	if onStep == nil {
		return
	}
	onStep(protocol.StepEvent{Type: eventType, RequestID: requestID, ContextID: contextID, Payload: payload})
}

func emitStepText(onStep OnStep, requestID, contextID, text string) {
	if text == "" {
		return
	}
	emit(onStep, protocol.EventChunk, requestID, contextID, map[string]string{"text": text})
}

const defaultSystemPromptText = "You are a helpful autonomous agent running inside a long-lived chat session. " +
	"Use the tools available to you to accomplish what the user asks, and reply through chat_send " +
	"rather than by returning text directly."
