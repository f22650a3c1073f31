package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wangenius/shipmyagent/internal/chatkey"
	"github.com/wangenius/shipmyagent/internal/runtime"
	"github.com/wangenius/shipmyagent/internal/taskrunner"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

type scriptedModel struct{ content string }

func (m *scriptedModel) Generate(ctx context.Context, req protocol.ModelRequest) (*protocol.ModelResponse, error) {
	return &protocol.ModelResponse{Content: m.content}, nil
}

type recordingSender struct{ sent *[]string }

func (r recordingSender) Send(channel, targetID, text string) error {
	*r.sent = append(*r.sent, text)
	return nil
}

func newTestServer(t *testing.T) (*Server, *runtime.Runtime, *[]string) {
	t.Helper()
	root := t.TempDir()
	rt := runtime.New(root, &scriptedModel{content: "hello from the agent"}, runtime.Options{})
	var sent []string
	rt.Egress.Register("api", recordingSender{sent: &sent})

	sched, err := taskrunner.New(rt)
	if err != nil {
		t.Fatalf("taskrunner.New: %v", err)
	}
	return New(rt, sched, ""), rt, &sent
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHandleHealth_ReportsOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %+v", body)
	}
}

func TestHandleStatus_ReportsRunning(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["name"] != ServiceName || body["status"] != "running" {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestHandleExecute_RunsTurnSynchronously(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/api/execute", map[string]string{
		"instructions": "say hello",
		"chatId":       "42",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Fatalf("expected success=true, got %+v", body)
	}
	if !strings.Contains(body["output"].(string), "hello from the agent") {
		t.Fatalf("unexpected output: %+v", body)
	}
}

func TestHandleExecute_RejectsMissingFields(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/execute", map[string]string{"instructions": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing chatId, got %d", resp.StatusCode)
	}
}

func TestHandleChatSend_RoutesThroughEgress(t *testing.T) {
	s, _, sent := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/chat/send", map[string]string{
		"chatKey": chatkey.DeriveAPI("42"),
		"text":    "ping from the dashboard",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(*sent) != 1 || (*sent)[0] != "ping from the dashboard" {
		t.Fatalf("expected one egress send, got %+v", *sent)
	}
}

func TestHandleSkillLoadAndUnload_RoundTrips(t *testing.T) {
	s, rt, _ := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/skill/load", map[string]string{"name": "docs-writer", "contextId": "ctx-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", resp.StatusCode)
	}

	store, err := rt.HistoryStore("ctx-1")
	if err != nil {
		t.Fatalf("HistoryStore: %v", err)
	}
	meta, err := store.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if len(meta.PinnedSkillIDs) != 1 || meta.PinnedSkillIDs[0] != "docs-writer" {
		t.Fatalf("expected docs-writer pinned, got %+v", meta.PinnedSkillIDs)
	}

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/skill/unload", map[string]string{"name": "docs-writer", "contextId": "ctx-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unload: expected 200, got %d", resp.StatusCode)
	}
	meta, _ = store.LoadMeta()
	if len(meta.PinnedSkillIDs) != 0 {
		t.Fatalf("expected no pinned skills after unload, got %+v", meta.PinnedSkillIDs)
	}
}

func TestHandleTaskList_ReturnsScheduledTasks(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/api/task/list", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	tasks, _ := body["tasks"].([]interface{})
	if tasks == nil {
		t.Fatalf("expected a tasks array, got %+v", body)
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	root := t.TempDir()
	rt := runtime.New(root, &scriptedModel{content: "ok"}, runtime.Options{})
	sched, _ := taskrunner.New(rt)
	s := New(rt, sched, "secret-token")
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}
}
