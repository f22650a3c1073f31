package tools

import (
	"context"
	"testing"

	"github.com/wangenius/shipmyagent/internal/history"
	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/internal/telemetry"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

type stubTool struct {
	name string
}

func (s stubTool) Name() string                      { return s.name }
func (s stubTool) Description() string                { return "stub" }
func (s stubTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (s stubTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	return protocol.ToolOK("ok:" + s.name)
}

func TestRegistry_RegisterGetExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "alpha"})
	r.Register(stubTool{name: "beta"})

	if _, ok := r.Get("alpha"); !ok {
		t.Fatalf("expected alpha to be registered")
	}

	result := r.Execute(context.Background(), "beta", nil)
	if result.IsError || result.ForLLM != "ok:beta" {
		t.Fatalf("unexpected result: %+v", result)
	}

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Fatalf("expected definitions in registration order, got %+v", defs)
	}
}

func TestRegistry_Execute_UnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), "missing", nil)
	if !result.IsError {
		t.Fatalf("expected error result for unknown tool")
	}
}

func TestLoadUnloadSkillTool_PinsAndUnpins(t *testing.T) {
	layout := pathlayout.New(t.TempDir())
	store := history.New(layout, "ctx", nil)
	lookup := func(contextID string) (*history.Store, error) { return store, nil }

	load := NewLoadSkillTool(lookup)
	unload := NewUnloadSkillTool(lookup)

	ctx := telemetry.WithRequestContext(context.Background(), telemetry.RequestContext{ContextID: "ctx"})

	if result := load.Execute(ctx, map[string]interface{}{"name": "git-helper"}); result.IsError {
		t.Fatalf("load failed: %+v", result)
	}

	meta, err := store.LoadMeta()
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if len(meta.PinnedSkillIDs) != 1 || meta.PinnedSkillIDs[0] != "git-helper" {
		t.Fatalf("expected git-helper pinned, got %v", meta.PinnedSkillIDs)
	}

	if result := unload.Execute(ctx, map[string]interface{}{"name": "git-helper"}); result.IsError {
		t.Fatalf("unload failed: %+v", result)
	}

	meta, err = store.LoadMeta()
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if len(meta.PinnedSkillIDs) != 0 {
		t.Fatalf("expected no pinned skills after unload, got %v", meta.PinnedSkillIDs)
	}
}

func TestLoadSkillTool_NoRequestContext(t *testing.T) {
	lookup := func(contextID string) (*history.Store, error) { return nil, nil }
	load := NewLoadSkillTool(lookup)
	result := load.Execute(context.Background(), map[string]interface{}{"name": "x"})
	if !result.IsError {
		t.Fatalf("expected error without request context")
	}
}
