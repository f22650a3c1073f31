package feishu

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

func TestWebhookHandler_URLVerificationEchoesChallenge(t *testing.T) {
	h := newWebhookHandler("", "", func(protocol.PlatformEvent) {
		t.Fatalf("onEvent should not be called for a verification handshake")
	})

	body := `{"type":"url_verification","challenge":"abc123"}`
	req := httptest.NewRequest(http.MethodPost, "/feishu/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["challenge"] != "abc123" {
		t.Fatalf("expected challenge echoed back, got %+v", out)
	}
}

func TestWebhookHandler_RejectsWrongVerificationToken(t *testing.T) {
	h := newWebhookHandler("expected-token", "", func(protocol.PlatformEvent) {
		t.Fatalf("onEvent should not be called")
	})

	body := `{"header":{"token":"wrong-token","event_type":"im.message.receive_v1"}}`
	req := httptest.NewRequest(http.MethodPost, "/feishu/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookHandler_DispatchesTextMessageEvent(t *testing.T) {
	var got protocol.PlatformEvent
	h := newWebhookHandler("", "bot-open-id", func(ev protocol.PlatformEvent) {
		got = ev
	})

	body := `{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "user-1"}},
			"message": {
				"message_id": "m1",
				"chat_id": "chat-1",
				"chat_type": "group",
				"message_type": "text",
				"content": "{\"text\":\"@bot hello there\"}",
				"mentions": [{"id": {"open_id": "bot-open-id"}}]
			}
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/feishu/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.TargetID != "chat-1" || got.ActorID != "user-1" || got.Body != "@bot hello there" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if !got.IsGroup || !got.MentionsMe {
		t.Fatalf("expected group message with mention detected, got %+v", got)
	}
}

func TestWebhookHandler_IgnoresNonTextMessages(t *testing.T) {
	called := false
	h := newWebhookHandler("", "", func(protocol.PlatformEvent) { called = true })

	body := `{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {"message": {"message_type": "image", "chat_id": "chat-1"}}
	}`
	req := httptest.NewRequest(http.MethodPost, "/feishu/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called {
		t.Fatalf("expected non-text message to be ignored")
	}
}
