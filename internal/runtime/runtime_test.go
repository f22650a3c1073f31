package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

type scriptedModel struct {
	content string
	delay   time.Duration
}

func (m *scriptedModel) Generate(ctx context.Context, req protocol.ModelRequest) (*protocol.ModelResponse, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return &protocol.ModelResponse{Content: m.content}, nil
}

func TestRuntime_HistoryStoreIsLazyAndMemoized(t *testing.T) {
	rt := New(t.TempDir(), &scriptedModel{content: "hi"}, Options{})

	a, err := rt.HistoryStore("ctx-1")
	if err != nil {
		t.Fatalf("HistoryStore: %v", err)
	}
	b, err := rt.HistoryStore("ctx-1")
	if err != nil {
		t.Fatalf("HistoryStore: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same store instance on repeat lookup")
	}

	c, err := rt.HistoryStore("ctx-2")
	if err != nil {
		t.Fatalf("HistoryStore: %v", err)
	}
	if c == a {
		t.Fatalf("expected a distinct store for a distinct contextId")
	}
}

func TestRuntime_RunTurnExecutesAndPersists(t *testing.T) {
	rt := New(t.TempDir(), &scriptedModel{content: "hello back"}, Options{})

	result, err := rt.RunTurn(context.Background(), agentturn.TurnInput{
		ContextID: "ctx-1",
		UserText:  "hi there",
		Channel:   "api",
		TargetID:  "1",
		ActorID:   "api",
	}, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !result.Success || result.Output != "hello back" {
		t.Fatalf("unexpected result: %+v", result)
	}

	store, err := rt.HistoryStore("ctx-1")
	if err != nil {
		t.Fatalf("HistoryStore: %v", err)
	}
	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d", len(all))
	}
}

func TestRuntime_RunTurnRespectsCallerCancellation(t *testing.T) {
	rt := New(t.TempDir(), &scriptedModel{content: "unused", delay: 200 * time.Millisecond}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The turn's LLM call outlasts the caller's own deadline; RunTurn must
	// return via ctx.Done() rather than wait for the turn to finish. The
	// turn itself keeps running in the background against the scheduler's
	// own context.
	_, err := rt.RunTurn(ctx, agentturn.TurnInput{ContextID: "ctx-1", UserText: "hi"}, nil)
	if err == nil {
		t.Fatalf("expected an error once the caller's context deadline passes")
	}

	// Give the background turn a moment to finish before the test's TempDir
	// is cleaned up.
	time.Sleep(250 * time.Millisecond)
}

func TestRuntime_StatsReportsLaneActivity(t *testing.T) {
	rt := New(t.TempDir(), &scriptedModel{content: "ok"}, Options{})
	if _, err := rt.RunTurn(context.Background(), agentturn.TurnInput{ContextID: "ctx-1", UserText: "hi"}, nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	stats := rt.Stats()
	if stats.RunningLanes != 0 {
		t.Fatalf("expected no lanes running once the turn has completed, got %+v", stats)
	}
}
