// Package egress implements the tool-driven reply path: the chat_send tool,
// escaped-literal normalisation, platform-specific chunking, and the
// fallback sender used when the agent never calls chat_send.
package egress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wangenius/shipmyagent/internal/chatkey"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

const (
	telegramChunkLimit = 3900
	defaultChunkLimit  = 3900

	// sendRate/sendBurst throttle outbound delivery per target chat, ahead of
	// whatever rate limit the platform itself enforces — a long multi-chunk
	// reply shouldn't be able to trip Telegram/Feishu's own flood control.
	sendRate  = 1 // chunks per second
	sendBurst = 3
)

// Router dispatches Send calls to a per-channel protocol.Egress, keyed by
// the channel name chatkey.Resolve reports (e.g. "telegram", "feishu",
// "qq", "api").
type Router struct {
	senders map[string]protocol.Egress

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter // targetID -> outbound throttle
}

// NewRouter returns an empty Router; register a sender per channel with
// Register before routing chat_send calls to it.
func NewRouter() *Router {
	return &Router{
		senders:  make(map[string]protocol.Egress),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns targetID's outbound throttle, creating it lazily.
func (r *Router) limiterFor(targetID string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[targetID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(sendRate), sendBurst)
		r.limiters[targetID] = l
	}
	return l
}

// Register binds a channel name to the sender that delivers to it.
func (r *Router) Register(channel string, sender protocol.Egress) {
	r.senders[channel] = sender
}

// Send implements protocol.Egress by routing directly (channel already known).
func (r *Router) Send(channel, targetID, text string) error {
	sender, ok := r.senders[channel]
	if !ok {
		return fmt.Errorf("egress: no sender registered for channel %q", channel)
	}
	return sender.Send(channel, targetID, text)
}

// SendToChatKey resolves chatKey to (channel, targetId) and delivers text,
// normalising escaped literals and chunking at the platform's limit.
func (r *Router) SendToChatKey(chatKey, text string) error {
	parsed, err := chatkey.Resolve(chatKey)
	if err != nil {
		return err
	}
	text = normalizeEscapedLiterals(text)

	limiter := r.limiterFor(parsed.TargetID)
	for _, chunk := range chunkForPlatform(parsed.Channel, text) {
		if err := limiter.Wait(context.Background()); err != nil {
			return fmt.Errorf("egress: throttle wait: %w", err)
		}
		if err := r.Send(parsed.Channel, parsed.TargetID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// normalizeEscapedLiterals unescapes literal "\n", "\r", "\t" sequences when
// the text otherwise contains no real line breaks — an LLM occasionally
// emits the two-character escape sequence instead of an actual newline.
func normalizeEscapedLiterals(text string) string {
	if strings.ContainsAny(text, "\n\r") {
		return text
	}
	if !strings.Contains(text, `\n`) && !strings.Contains(text, `\r`) && !strings.Contains(text, `\t`) {
		return text
	}
	r := strings.NewReplacer(`\r\n`, "\n", `\n`, "\n", `\r`, "\n", `\t`, "\t")
	return r.Replace(text)
}

func chunkLimitFor(channel string) int {
	switch channel {
	case "telegram":
		return telegramChunkLimit
	default:
		return defaultChunkLimit
	}
}

// chunkForPlatform splits text into pieces no longer than the channel's
// limit, preferring to cut at the last newline within the limit.
func chunkForPlatform(channel, text string) []string {
	limit := chunkLimitFor(channel)
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		window := remaining[:limit]
		cut := strings.LastIndex(window, "\n")
		if cut == -1 {
			cut = limit
		} else {
			cut++ // keep the newline in the chunk before it
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	return chunks
}
