package feishu

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// callbackEnvelope is Feishu's event-callback payload (schema 2.0): either a
// one-time URL verification handshake or an im.message.receive_v1 event.
// https://open.feishu.cn/document/uAjLw4CM/ukTMukTMukTM/reference/event-subscription-guide/event-subscription-configure-/request-url-configuration-case
type callbackEnvelope struct {
	Type      string `json:"type"` // "url_verification" on the handshake request
	Challenge string `json:"challenge"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"` // JSON-encoded, e.g. {"text":"hi"}
			Mentions    []struct {
				ID struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// webhookHandler turns Feishu's event-callback POSTs into PlatformEvents.
type webhookHandler struct {
	verificationToken string
	onEvent           func(protocol.PlatformEvent)
	botOpenID         string
}

func newWebhookHandler(verificationToken, botOpenID string, onEvent func(protocol.PlatformEvent)) *webhookHandler {
	return &webhookHandler{verificationToken: verificationToken, botOpenID: botOpenID, onEvent: onEvent}
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env callbackEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&env); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if env.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if h.verificationToken != "" && env.Header.Token != h.verificationToken {
		http.Error(w, "invalid verification token", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)

	if env.Header.EventType != "im.message.receive_v1" {
		return
	}
	msg := env.Event.Message
	if msg.MessageType != "text" {
		return
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
		slog.Warn("feishu: failed to decode message content", "error", err)
		return
	}

	mentionsMe := msg.ChatType == "p2p"
	for _, m := range msg.Mentions {
		if m.ID.OpenID == h.botOpenID {
			mentionsMe = true
		}
	}

	h.onEvent(protocol.PlatformEvent{
		Channel:    ChannelName,
		TargetID:   msg.ChatID,
		ActorID:    env.Event.Sender.SenderID.OpenID,
		MessageID:  msg.MessageID,
		Body:       strings.TrimSpace(content.Text),
		MentionsMe: mentionsMe,
		IsGroup:    msg.ChatType == "group",
	})
}
