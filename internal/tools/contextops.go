package tools

import (
	"context"
	"fmt"

	"github.com/wangenius/shipmyagent/internal/history"
	"github.com/wangenius/shipmyagent/internal/telemetry"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// StoreLookup resolves a contextId to its HistoryStore, the same lookup
// Runtime uses to hand an AgentTurn its store.
type StoreLookup func(contextID string) (*history.Store, error)

// LoadSkillTool pins a skill id to the calling turn's contextId, so its
// prompt is included in the system-prompt layering on subsequent turns.
type LoadSkillTool struct {
	lookup StoreLookup
}

func NewLoadSkillTool(lookup StoreLookup) *LoadSkillTool {
	return &LoadSkillTool{lookup: lookup}
}

func (t *LoadSkillTool) Name() string        { return "load_skill" }
func (t *LoadSkillTool) Description() string { return "Pin a skill so its instructions stay loaded for the rest of this conversation." }
func (t *LoadSkillTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
		"required":   []string{"name"},
	}
}

func (t *LoadSkillTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	name, _ := args["name"].(string)
	if name == "" {
		return protocol.ToolErr("name is required")
	}
	rc, ok := telemetry.RequestContextFrom(ctx)
	if !ok {
		return protocol.ToolErr("no request context available")
	}
	store, err := t.lookup(rc.ContextID)
	if err != nil {
		return protocol.ToolErr(err.Error())
	}
	if err := store.AddPinnedSkillID(name); err != nil {
		return protocol.ToolErr(err.Error())
	}
	return protocol.ToolSilent(fmt.Sprintf("skill %q pinned", name))
}

// UnloadSkillTool unpins a previously-pinned skill id.
type UnloadSkillTool struct {
	lookup StoreLookup
}

func NewUnloadSkillTool(lookup StoreLookup) *UnloadSkillTool {
	return &UnloadSkillTool{lookup: lookup}
}

func (t *UnloadSkillTool) Name() string        { return "unload_skill" }
func (t *UnloadSkillTool) Description() string { return "Unpin a previously-loaded skill." }
func (t *UnloadSkillTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
		"required":   []string{"name"},
	}
}

func (t *UnloadSkillTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	name, _ := args["name"].(string)
	if name == "" {
		return protocol.ToolErr("name is required")
	}
	rc, ok := telemetry.RequestContextFrom(ctx)
	if !ok {
		return protocol.ToolErr("no request context available")
	}
	store, err := t.lookup(rc.ContextID)
	if err != nil {
		return protocol.ToolErr(err.Error())
	}
	if err := store.RemovePinnedSkillID(name); err != nil {
		return protocol.ToolErr(err.Error())
	}
	return protocol.ToolSilent(fmt.Sprintf("skill %q unpinned", name))
}
