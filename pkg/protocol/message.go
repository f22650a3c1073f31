// Package protocol defines the wire and in-process shapes shared by every
// component of the runtime: chat messages, model messages, tool definitions,
// and the capability interfaces (LanguageModel, Tool) that the core drives
// without knowing their concrete implementation.
package protocol

import "time"

// Role identifies who authored a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AssistantKind distinguishes a normal reply from a synthesized compaction summary.
type AssistantKind string

const (
	KindNormal  AssistantKind = "normal"
	KindSummary AssistantKind = "summary"
)

// AssistantSource records what produced an assistant message.
type AssistantSource string

const (
	SourceEgress  AssistantSource = "egress"
	SourceCompact AssistantSource = "compact"
)

// PartType discriminates the kind of content carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one block of a ChatMessage. Exactly the fields relevant to Type are set.
type Part struct {
	Type PartType `json:"type"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartToolCall
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	ToolArgs   map[string]interface{} `json:"toolArgs,omitempty"`

	// PartToolResult
	ForToolCallID string `json:"forToolCallId,omitempty"`
	Result        string `json:"result,omitempty"`
	IsError       bool   `json:"isError,omitempty"`
}

// SourceRange identifies the run of messages a summary Part replaces.
type SourceRange struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Count  int    `json:"count"`
}

// ChatMessage is the versioned, immutable-once-appended unit of HistoryStore.
type ChatMessage struct {
	V        int                    `json:"v"`
	ID       string                 `json:"id"`
	Role     Role                   `json:"role"`
	Parts    []Part                 `json:"parts"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Assistant-only fields.
	Kind        AssistantKind   `json:"kind,omitempty"`
	Source      AssistantSource `json:"source,omitempty"`
	SourceRange *SourceRange    `json:"sourceRange,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Text concatenates every text Part in the message, in order.
func (m ChatMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// ContextIDOf reads metadata.contextId, used by the no-cross-context-bleed invariant.
func (m ChatMessage) ContextIDOf() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["contextId"].(string); ok {
		return v
	}
	return ""
}

// NewUserMessage builds a single-text-part user ChatMessage.
func NewUserMessage(id, contextID, text string) ChatMessage {
	return ChatMessage{
		V:         1,
		ID:        id,
		Role:      RoleUser,
		Parts:     []Part{{Type: PartText, Text: text}},
		Metadata:  map[string]interface{}{"contextId": contextID},
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage builds a normal assistant ChatMessage from egress.
func NewAssistantMessage(id, contextID, text string) ChatMessage {
	return ChatMessage{
		V:         1,
		ID:        id,
		Role:      RoleAssistant,
		Parts:     []Part{{Type: PartText, Text: text}},
		Metadata:  map[string]interface{}{"contextId": contextID},
		Kind:      KindNormal,
		Source:    SourceEgress,
		CreatedAt: time.Now().UTC(),
	}
}

// NewSummaryMessage builds a synthetic compaction summary assistant message.
func NewSummaryMessage(id, contextID, text string, rng SourceRange) ChatMessage {
	return ChatMessage{
		V:           1,
		ID:          id,
		Role:        RoleAssistant,
		Parts:       []Part{{Type: PartText, Text: text}},
		Metadata:    map[string]interface{}{"contextId": contextID},
		Kind:        KindSummary,
		Source:      SourceCompact,
		SourceRange: &rng,
		CreatedAt:   time.Now().UTC(),
	}
}
