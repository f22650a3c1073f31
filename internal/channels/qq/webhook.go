package qq

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// seedKeyPair derives the ed25519 keypair QQ's open platform expects a bot
// to sign/verify webhook payloads with: the bot's secret, repeated to fill
// at least 32 bytes, taken as the signing seed.
// https://bot.q.qq.com/wiki/develop/api-v2/dev-prepare/interface-framework/signature.html
func seedKeyPair(clientSecret string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = clientSecret[i%len(clientSecret)]
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

// payload is QQ's webhook envelope: op 13 is the one-time validation
// handshake, op 0 carries a dispatched event named by t.
type payload struct {
	Op int             `json:"op"`
	ID string          `json:"id,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d"`
}

type validationPayload struct {
	PlainToken string `json:"plain_token"`
	EventTS    string `json:"event_ts"`
}

type messageEvent struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	GroupOpenID string `json:"group_openid"`
	Author      struct {
		ID           string `json:"id"`
		MemberOpenID string `json:"member_openid"`
		UserOpenID   string `json:"user_openid"`
	} `json:"author"`
}

// webhookHandler verifies QQ's ed25519-signed webhook requests and turns
// group/private message pushes into PlatformEvents.
type webhookHandler struct {
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	onEvent func(protocol.PlatformEvent)
}

func newWebhookHandler(clientSecret string, onEvent func(protocol.PlatformEvent)) *webhookHandler {
	pub, priv := seedKeyPair(clientSecret)
	return &webhookHandler{pub: pub, priv: priv, onEvent: onEvent}
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Signature-Ed25519")
	timestamp := r.Header.Get("X-Signature-Timestamp")
	if !h.verify(timestamp, body, sig) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if p.Op == 13 {
		h.respondToValidation(w, p.D)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.dispatchEvent(p)
}

func (h *webhookHandler) verify(timestamp string, body []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	msg := append([]byte(timestamp), body...)
	return ed25519.Verify(h.pub, msg, sig)
}

// respondToValidation answers QQ's one-time webhook-URL validation
// handshake by signing event_ts+plain_token with the derived private key.
func (h *webhookHandler) respondToValidation(w http.ResponseWriter, d json.RawMessage) {
	var v validationPayload
	if err := json.Unmarshal(d, &v); err != nil {
		http.Error(w, "invalid validation payload", http.StatusBadRequest)
		return
	}
	sig := ed25519.Sign(h.priv, []byte(v.EventTS+v.PlainToken))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"plain_token": v.PlainToken,
		"signature":   hex.EncodeToString(sig),
	})
}

func (h *webhookHandler) dispatchEvent(p payload) {
	switch p.T {
	case "GROUP_AT_MESSAGE_CREATE":
		var ev messageEvent
		if err := json.Unmarshal(p.D, &ev); err != nil {
			return
		}
		actor := ev.Author.MemberOpenID
		h.onEvent(protocol.PlatformEvent{
			Channel:    ChannelName,
			TargetType: "group",
			TargetID:   ev.GroupOpenID,
			ActorID:    actor,
			MessageID:  ev.ID,
			Body:       ev.Content,
			MentionsMe: true, // GROUP_AT_MESSAGE_CREATE only fires on an explicit @mention
			IsGroup:    true,
		})
	case "C2C_MESSAGE_CREATE":
		var ev messageEvent
		if err := json.Unmarshal(p.D, &ev); err != nil {
			return
		}
		h.onEvent(protocol.PlatformEvent{
			Channel:    ChannelName,
			TargetType: "private",
			TargetID:   ev.Author.UserOpenID,
			ActorID:    ev.Author.UserOpenID,
			MessageID:  ev.ID,
			Body:       ev.Content,
			MentionsMe: true,
			IsGroup:    false,
		})
	default:
		return
	}
}
