package egress

import (
	"context"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// ChatSendTool is the only way an agent turn may reply to a platform: the
// agent does not write back by returning text, it must call this tool.
type ChatSendTool struct {
	router *Router
	sent   *bool // set to true once this turn has called chat_send
}

// NewChatSendTool binds chat_send to a router. sent, if non-nil, is flipped
// to true on a successful send so the caller can skip the fallback sender.
func NewChatSendTool(router *Router, sent *bool) *ChatSendTool {
	return &ChatSendTool{router: router, sent: sent}
}

func (t *ChatSendTool) Name() string { return "chat_send" }
func (t *ChatSendTool) Description() string {
	return "Send a message back to the originating chat. This is the only way to reply to the user."
}
func (t *ChatSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"chatKey": map[string]interface{}{"type": "string", "description": "the contextId to reply to"},
			"text":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"chatKey", "text"},
	}
}

func (t *ChatSendTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	chatKey, _ := args["chatKey"].(string)
	text, _ := args["text"].(string)
	if chatKey == "" || text == "" {
		return protocol.ToolErr("chatKey and text are required")
	}

	if err := t.router.SendToChatKey(chatKey, text); err != nil {
		return protocol.ToolErr(err.Error())
	}
	if t.sent != nil {
		*t.sent = true
	}
	return protocol.ToolSilent("sent")
}
