package agentturn

import (
	"context"
	"fmt"
	"testing"

	"github.com/wangenius/shipmyagent/internal/history"
	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/internal/tools"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// scriptedModel returns one response per call, in order, cycling the last
// one if more calls arrive than scripted responses.
type scriptedModel struct {
	responses []*protocol.ModelResponse
	errs      []error
	calls     int
}

func (m *scriptedModel) Generate(ctx context.Context, req protocol.ModelRequest) (*protocol.ModelResponse, error) {
	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return nil, err
	}
	return m.responses[i], nil
}

type echoTool struct{}

func (echoTool) Name() string                      { return "echo" }
func (echoTool) Description() string                { return "echoes its input" }
func (echoTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	return protocol.ToolOK("echoed")
}

func newTestEngine(t *testing.T, model protocol.LanguageModel, opts Options) (*Engine, *history.Store) {
	t.Helper()
	layout := pathlayout.New(t.TempDir())
	var store *history.Store
	lookup := func(contextID string) (*history.Store, error) {
		if store == nil {
			store = history.New(layout, contextID, model)
		}
		return store, nil
	}
	registry := tools.NewRegistry()
	registry.Register(echoTool{})
	engine := New(layout, lookup, model, registry, nil, nil, opts)
	_, _ = lookup("ctx-1")
	return engine, store
}

func TestEngine_Run_SimpleNoToolCalls(t *testing.T) {
	model := &scriptedModel{responses: []*protocol.ModelResponse{{Content: "hello there"}}}
	engine, store := newTestEngine(t, model, Options{})

	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "hi", Channel: "api", TargetID: "1", ActorID: "api"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Output != "hello there" {
		t.Fatalf("unexpected result: %+v", result)
	}

	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d messages", len(all))
	}
}

func TestEngine_Run_RejectsEmptyUserText(t *testing.T) {
	model := &scriptedModel{responses: []*protocol.ModelResponse{{Content: "unused"}}}
	engine, _ := newTestEngine(t, model, Options{})

	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "   \n\t"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected empty message to be rejected before the LLM call")
	}
	if model.calls != 0 {
		t.Fatalf("expected no LLM call for an empty message")
	}
}

func TestEngine_Run_ToolCallThenFinish(t *testing.T) {
	model := &scriptedModel{responses: []*protocol.ModelResponse{
		{ToolCalls: []protocol.ModelToolCall{{ID: "1", Name: "echo", Arguments: map[string]interface{}{}}}},
		{Content: "done"},
	}}
	engine, _ := newTestEngine(t, model, Options{})

	var events []protocol.StepEvent
	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "do it"}, func(e protocol.StepEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Output != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "echo" {
		t.Fatalf("expected one recorded tool call, got %+v", result.ToolCalls)
	}

	sawToolCall := false
	sawRunCompleted := false
	for _, e := range events {
		if e.Type == protocol.EventToolCall {
			sawToolCall = true
		}
		if e.Type == protocol.EventRunCompleted {
			sawRunCompleted = true
		}
	}
	if !sawToolCall || !sawRunCompleted {
		t.Fatalf("expected tool.call and run.completed events, got %+v", events)
	}
}

func TestEngine_Run_ToolFailureMarksUnsuccessful(t *testing.T) {
	model := &scriptedModel{responses: []*protocol.ModelResponse{
		{ToolCalls: []protocol.ModelToolCall{{ID: "1", Name: "missing-tool", Arguments: map[string]interface{}{}}}},
		{Content: "finished anyway"},
	}}
	engine, _ := newTestEngine(t, model, Options{})

	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "do it"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected success=false after a tool failure")
	}
}

func TestEngine_Run_ContextOverflowRetriesThenSucceeds(t *testing.T) {
	overflowErr := fmt.Errorf("400: maximum context length exceeded")
	model := &scriptedModel{
		responses: []*protocol.ModelResponse{nil, {Content: "recovered"}},
		errs:      []error{overflowErr, nil},
	}
	engine, _ := newTestEngine(t, model, Options{})

	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "long question"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Output != "recovered" {
		t.Fatalf("expected the retry to succeed, got %+v", result)
	}
}

func TestEngine_Run_ToolLoopCriticalAbortsTurn(t *testing.T) {
	sameCall := protocol.ModelResponse{ToolCalls: []protocol.ModelToolCall{
		{ID: "1", Name: "echo", Arguments: map[string]interface{}{"x": "same"}},
	}}
	model := &scriptedModel{responses: []*protocol.ModelResponse{&sameCall, &sameCall, &sameCall, &sameCall, &sameCall, {Content: "never reached"}}}
	engine, _ := newTestEngine(t, model, Options{MaxSteps: 10})

	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "loop please"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected the loop guard to mark the turn unsuccessful, got %+v", result)
	}
	if model.calls >= len(model.responses) {
		t.Fatalf("expected the guard to abort before exhausting every scripted response")
	}
}

func TestEngine_Run_ContextOverflowExhaustsRetriesAndClearsHistory(t *testing.T) {
	overflowErr := fmt.Errorf("maximum context window exceeded")
	var responses []*protocol.ModelResponse
	var errs []error
	for i := 0; i < 10; i++ {
		responses = append(responses, nil)
		errs = append(errs, overflowErr)
	}
	model := &scriptedModel{responses: responses, errs: errs}
	engine, store := newTestEngine(t, model, Options{MaxCompactionAttempts: 2})

	// Seed some history so ClearHistory has something observable to clear.
	if err := store.Append(protocol.NewUserMessage("seed", "ctx-1", "seed message")); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	result, err := engine.Run(context.Background(), TurnInput{ContextID: "ctx-1", UserText: "another long question"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected turn to fail after exhausting retries")
	}

	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected history to be cleared after exhausting retries, got %d messages", len(all))
	}
}
