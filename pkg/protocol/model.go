package protocol

import "context"

// ModelMessage is the flattened shape AgentTurn feeds to a LanguageModel:
// the provider-facing analogue of ChatMessage
// (role/content/tool_calls/tool_call_id).
type ModelMessage struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	ToolCalls  []ModelToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ModelToolCall is one tool invocation requested by the model.
type ModelToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a callable tool's schema to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ModelUsage tracks token consumption for one LLM call.
type ModelUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelRequest is the input to one LanguageModel.Generate call.
type ModelRequest struct {
	Messages []ModelMessage
	Tools    []ToolDefinition
}

// ModelResponse is the result of one LanguageModel.Generate call.
type ModelResponse struct {
	Content      string
	ToolCalls    []ModelToolCall
	FinishReason string // "stop", "tool_calls", "length"
	Usage        *ModelUsage
}

// LanguageModel is the LLM provider capability the core consumes to produce
// tool-call steps. AgentTurn drives it; it never constructs or configures one.
type LanguageModel interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// Tool is one callable capability handed to the agent loop (shell, chat_send,
// context ops, or a pinned-skill/MCP tool opaque to the core).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ToolResult is the unified return type from tool execution.
type ToolResult struct {
	ForLLM  string
	Silent  bool
	IsError bool
	Async   bool
}

func ToolOK(forLLM string) *ToolResult        { return &ToolResult{ForLLM: forLLM} }
func ToolSilent(forLLM string) *ToolResult    { return &ToolResult{ForLLM: forLLM, Silent: true} }
func ToolErr(message string) *ToolResult      { return &ToolResult{ForLLM: message, IsError: true} }
func ToolAsync(forLLM string) *ToolResult     { return &ToolResult{ForLLM: forLLM, Async: true} }
