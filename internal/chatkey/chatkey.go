// Package chatkey implements the deterministic contextId naming convention
// shared by IngressPipeline (derivation) and chat_send (resolution).
package chatkey

import (
	"fmt"
	"strconv"
	"strings"
)

// Parsed is the channel-routing information recovered from a contextId or
// chat_send chatKey.
type Parsed struct {
	Channel    string
	TargetID   string
	ThreadID   string
	TargetType string
}

// DeriveTelegram builds the contextId for a Telegram chat, optionally scoped
// to a forum topic thread.
func DeriveTelegram(chatID string, threadID int64) string {
	if threadID > 0 {
		return fmt.Sprintf("telegram-chat-%s-topic-%d", chatID, threadID)
	}
	return "telegram-chat-" + chatID
}

// DeriveFeishu builds the contextId for a Feishu chat.
func DeriveFeishu(chatID string) string { return "feishu-chat-" + chatID }

// DeriveQQ builds the contextId for a QQ target (private/group/channel).
func DeriveQQ(targetType, chatID string) string {
	return fmt.Sprintf("qq-%s-%s", targetType, chatID)
}

// DeriveAPI builds the contextId for an HTTP API-originated turn.
func DeriveAPI(chatID string) string { return "api:chat:" + chatID }

// DeriveTaskRun builds the synthetic contextId a scheduled task execution
// runs its AgentTurn under.
func DeriveTaskRun(taskID, timestamp string) string {
	return fmt.Sprintf("task-run:%s:%s", taskID, timestamp)
}

// Resolve parses a contextId/chatKey back into channel-routing information,
// the inverse of the Derive* functions above.
func Resolve(key string) (Parsed, error) {
	switch {
	case strings.HasPrefix(key, "telegram-chat-"):
		rest := strings.TrimPrefix(key, "telegram-chat-")
		if idx := strings.Index(rest, "-topic-"); idx >= 0 {
			return Parsed{Channel: "telegram", TargetID: rest[:idx], ThreadID: rest[idx+len("-topic-"):]}, nil
		}
		return Parsed{Channel: "telegram", TargetID: rest}, nil

	case strings.HasPrefix(key, "feishu-chat-"):
		return Parsed{Channel: "feishu", TargetID: strings.TrimPrefix(key, "feishu-chat-")}, nil

	case strings.HasPrefix(key, "qq-"):
		rest := strings.TrimPrefix(key, "qq-")
		parts := strings.SplitN(rest, "-", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Parsed{}, fmt.Errorf("chatkey: malformed qq key %q", key)
		}
		return Parsed{Channel: "qq", TargetType: parts[0], TargetID: parts[1]}, nil

	case strings.HasPrefix(key, "api:chat:"):
		return Parsed{Channel: "api", TargetID: strings.TrimPrefix(key, "api:chat:")}, nil

	case strings.HasPrefix(key, "task-run:"):
		rest := strings.TrimPrefix(key, "task-run:")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return Parsed{}, fmt.Errorf("chatkey: malformed task-run key %q", key)
		}
		return Parsed{Channel: "task-run", TargetID: parts[0], ThreadID: parts[1]}, nil

	default:
		return Parsed{}, fmt.Errorf("chatkey: unrecognized format %q", key)
	}
}

// ThreadIDInt parses a Parsed.ThreadID back into an int64, or 0 if unset.
func ThreadIDInt(p Parsed) int64 {
	if p.ThreadID == "" {
		return 0
	}
	n, err := strconv.ParseInt(p.ThreadID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
