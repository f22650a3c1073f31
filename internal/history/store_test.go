package history

import (
	"context"
	"strconv"
	"testing"

	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

type stubModel struct {
	content string
	err     error
	calls   int
}

func (m *stubModel) Generate(ctx context.Context, req protocol.ModelRequest) (*protocol.ModelResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &protocol.ModelResponse{Content: m.content}, nil
}

func newTestStore(t *testing.T, contextID string, model protocol.LanguageModel) *Store {
	t.Helper()
	layout := pathlayout.New(t.TempDir())
	return New(layout, contextID, model)
}

func TestStore_AppendAndLoadAll(t *testing.T) {
	s := newTestStore(t, "telegram-chat-1", nil)

	for i := 0; i < 3; i++ {
		msg := protocol.NewUserMessage("u"+string(rune('1'+i)), "telegram-chat-1", "hello")
		if err := s.Append(msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	if all[0].ID != "u1" || all[2].ID != "u3" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestNewForTaskRun_WritesIntoRunDirectoryNotContextDir(t *testing.T) {
	root := t.TempDir()
	layout := pathlayout.New(root)
	runContextID := "task-run:daily-report:20260101-090000-000"
	s := NewForTaskRun(layout, "daily-report", "20260101-090000-000", runContextID, nil)

	if err := s.Append(protocol.NewUserMessage("u1", runContextID, "run the report")); err != nil {
		t.Fatalf("append: %v", err)
	}

	runMsgs, err := readMessages(layout.TaskRunHistory("daily-report", "20260101-090000-000"))
	if err != nil {
		t.Fatalf("readMessages on task run path: %v", err)
	}
	if len(runMsgs) != 1 {
		t.Fatalf("expected history written under the task run directory, got %d messages", len(runMsgs))
	}
	all, err := readMessages(layout.HistoryFile(runContextID))
	if err != nil {
		t.Fatalf("readMessages on default path: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected nothing written to the default per-context path, got %d messages", len(all))
	}
}

func TestStore_CountMessages_Monotonic(t *testing.T) {
	s := newTestStore(t, "ctx", nil)

	before, _ := s.CountMessages()
	if before != 0 {
		t.Fatalf("expected empty store, got %d", before)
	}

	if err := s.Append(protocol.NewUserMessage("a", "ctx", "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(protocol.NewAssistantMessage("b", "ctx", "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}

	after, err := s.CountMessages()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if after != 2 {
		t.Fatalf("expected 2 messages, got %d", after)
	}
}

func TestStore_CompactIfNeeded_NoopBelowThreshold(t *testing.T) {
	model := &stubModel{content: "summary"}
	s := newTestStore(t, "ctx", model)

	for i := 0; i < 5; i++ {
		_ = s.Append(protocol.NewUserMessage(string(rune('a'+i)), "ctx", "hi"))
	}

	compacted, err := s.CompactIfNeeded(context.Background(), CompactOptions{KeepLastMessages: 30})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if compacted {
		t.Fatalf("expected no-op compaction below threshold")
	}
	if model.calls != 0 {
		t.Fatalf("expected no LLM call when compaction is a no-op")
	}
}

func TestStore_CompactIfNeeded_PreservesTail(t *testing.T) {
	model := &stubModel{content: "the conversation covered topic X"}
	s := newTestStore(t, "ctx", model)

	const total = 50
	const keepLast = 10
	for i := 0; i < total; i++ {
		id := "m" + strconv.Itoa(i)
		if i%2 == 0 {
			_ = s.Append(protocol.NewUserMessage(id, "ctx", "hi"))
		} else {
			_ = s.Append(protocol.NewAssistantMessage(id, "ctx", "hello"))
		}
	}

	before, _ := s.LoadAll()
	wantTailIDs := make([]string, keepLast)
	for i, m := range before[len(before)-keepLast:] {
		wantTailIDs[i] = m.ID
	}

	compacted, err := s.CompactIfNeeded(context.Background(), CompactOptions{KeepLastMessages: keepLast, ArchiveOnCompact: true})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !compacted {
		t.Fatalf("expected compaction to occur")
	}

	after, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(after) != keepLast+1 {
		t.Fatalf("expected summary + %d kept messages, got %d", keepLast, len(after))
	}
	if after[0].Kind != protocol.KindSummary {
		t.Fatalf("expected head message to be a summary, got kind=%q", after[0].Kind)
	}
	for i, m := range after[1:] {
		if m.ID != wantTailIDs[i] {
			t.Fatalf("tail mismatch at %d: got %q want %q", i, m.ID, wantTailIDs[i])
		}
	}

	meta, err := s.LoadMeta()
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if meta.LastArchiveID == "" {
		t.Fatalf("expected lastArchiveId to be set")
	}
}

func TestStore_CompactIfNeeded_NoopWhenUnderTokenBudget(t *testing.T) {
	model := &stubModel{content: "summary"}
	s := newTestStore(t, "ctx", model)

	// 20 short messages exceed keepLast+2 on a pure count basis, but their
	// total JSON size is tiny, so a generous token budget must still no-op.
	for i := 0; i < 20; i++ {
		_ = s.Append(protocol.NewUserMessage("m"+strconv.Itoa(i), "ctx", "hi"))
	}

	compacted, err := s.CompactIfNeeded(context.Background(), CompactOptions{
		KeepLastMessages:     10,
		MaxInputTokensApprox: 2000,
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if compacted {
		t.Fatalf("expected no-op compaction when under the token budget")
	}
	if model.calls != 0 {
		t.Fatalf("expected no LLM call when compaction is a no-op")
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 20 {
		t.Fatalf("expected history untouched, got %d messages", len(all))
	}
}

func TestStore_CompactIfNeeded_SummarizationFailureFallsBack(t *testing.T) {
	model := &stubModel{err: errFakeLLM{}}
	s := newTestStore(t, "ctx", model)

	for i := 0; i < 40; i++ {
		_ = s.Append(protocol.NewUserMessage("m"+strconv.Itoa(i), "ctx", "hi"))
	}

	compacted, err := s.CompactIfNeeded(context.Background(), CompactOptions{KeepLastMessages: 10})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !compacted {
		t.Fatalf("expected compaction to still occur on LLM failure")
	}

	after, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if after[0].Text() != "summary generation failed; older history dropped" {
		t.Fatalf("expected fallback summary text, got %q", after[0].Text())
	}
}

func TestStore_PinnedSkillIDs_DedupOrderPreserving(t *testing.T) {
	s := newTestStore(t, "ctx", nil)

	for _, id := range []string{"a", "b", "a", "c", "b"} {
		if err := s.AddPinnedSkillID(id); err != nil {
			t.Fatalf("add pinned skill: %v", err)
		}
	}

	meta, err := s.LoadMeta()
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(meta.PinnedSkillIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, meta.PinnedSkillIDs)
	}
	for i, id := range want {
		if meta.PinnedSkillIDs[i] != id {
			t.Fatalf("expected %v, got %v", want, meta.PinnedSkillIDs)
		}
	}
}

func TestToModelMessages_ExpandsToolParts(t *testing.T) {
	msg := protocol.ChatMessage{
		Role: protocol.RoleAssistant,
		Parts: []protocol.Part{
			{Type: protocol.PartText, Text: "let me check"},
			{Type: protocol.PartToolCall, ToolCallID: "tc1", ToolName: "exec_command", ToolArgs: map[string]interface{}{"cmd": "ls"}},
		},
	}
	result := protocol.ChatMessage{
		Role: protocol.RoleAssistant,
		Parts: []protocol.Part{
			{Type: protocol.PartToolResult, ForToolCallID: "tc1", Result: "file.txt"},
		},
	}

	out := ToModelMessages([]protocol.ChatMessage{msg, result})
	if len(out) != 2 {
		t.Fatalf("expected 2 model messages, got %d", len(out))
	}
	if out[0].Content != "let me check" || len(out[0].ToolCalls) != 1 {
		t.Fatalf("unexpected first message: %+v", out[0])
	}
	if out[1].Role != "tool" || out[1].ToolCallID != "tc1" || out[1].Content != "file.txt" {
		t.Fatalf("unexpected tool result message: %+v", out[1])
	}
}

type errFakeLLM struct{}

func (errFakeLLM) Error() string { return "llm unavailable" }

