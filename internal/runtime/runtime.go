// Package runtime wires every long-lived component into the one process-wide
// Runtime: lane scheduling, per-contextId history, shell sessions, tool
// registration, egress, and the AgentTurn engine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/egress"
	"github.com/wangenius/shipmyagent/internal/history"
	"github.com/wangenius/shipmyagent/internal/lane"
	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/internal/shellsession"
	"github.com/wangenius/shipmyagent/internal/tools"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// ErrLaneBusy is returned when a contextId's lane is at its queue cap; the
// caller is expected to turn this into a platform-visible "busy" reply.
var ErrLaneBusy = errors.New("runtime: lane queue is full for this context")

// Options configures a Runtime. Zero values fall back to package defaults.
type Options struct {
	MaxConcurrentLanes int
	MaxQueuePerLane    int
	AgentTurn          agentturn.Options

	// ServerHost/ServerPort identify this process's own HTTP API, so shell
	// children get SMA_SERVER_HOST/SMA_SERVER_PORT and a nested `sma` CLI
	// invocation can call back into it.
	ServerHost string
	ServerPort string
}

// Runtime owns every contextId's HistoryStore, the shell session registry, the
// shared base tool set, the egress router, the lane scheduler, and the
// AgentTurn engine built from all of it.
type Runtime struct {
	Layout  pathlayout.Layout
	Lane    *lane.Scheduler
	Shell   *shellsession.Registry
	Egress  *egress.Router
	Engine  *agentturn.Engine

	model protocol.LanguageModel

	storesMu sync.Mutex
	stores   map[string]*history.Store

	skillPromptsMu sync.RWMutex
	skillPrompts   map[string]string
}

// New builds a Runtime rooted at rootPath, ready to accept turns once the
// caller registers per-channel egress senders via Egress.Register.
func New(rootPath string, model protocol.LanguageModel, opts Options) *Runtime {
	rt := &Runtime{
		Layout:       pathlayout.New(rootPath),
		Shell:        shellsession.NewRegistry(),
		Egress:       egress.NewRouter(),
		model:        model,
		stores:       make(map[string]*history.Store),
		skillPrompts: make(map[string]string),
	}
	rt.Lane = lane.New(lane.Options{
		MaxConcurrentLanes: opts.MaxConcurrentLanes,
		MaxQueuePerLane:    opts.MaxQueuePerLane,
	})

	serverHost := opts.ServerHost
	if serverHost == "" {
		serverHost = "127.0.0.1"
	}

	base := tools.NewRegistry()
	base.Register(shellsession.NewExecCommandTool(rt.Shell, rt.Layout.Root(), serverHost, opts.ServerPort))
	base.Register(shellsession.NewWriteStdinTool(rt.Shell))
	base.Register(shellsession.NewCloseSessionTool(rt.Shell))
	base.Register(tools.NewLoadSkillTool(rt.HistoryStore))
	base.Register(tools.NewUnloadSkillTool(rt.HistoryStore))

	rt.Engine = agentturn.New(rt.Layout, rt.HistoryStore, model, base, rt.Egress, rt.SkillPrompt, opts.AgentTurn)
	return rt
}

// HistoryStore returns contextID's store, creating it lazily on first
// reference; it then lives for the runtime's lifetime.
func (rt *Runtime) HistoryStore(contextID string) (*history.Store, error) {
	rt.storesMu.Lock()
	defer rt.storesMu.Unlock()

	if s, ok := rt.stores[contextID]; ok {
		return s, nil
	}
	s := history.New(rt.Layout, contextID, rt.model)
	rt.stores[contextID] = s
	return s, nil
}

// RegisterTaskRunStore pre-seeds contextID's entry in the store map with a
// caller-built Store (e.g. history.NewForTaskRun, which writes into a
// TaskRunner run directory instead of the default per-context location), so
// the next HistoryStore lookup for that contextId returns it rather than
// lazily creating a default one.
func (rt *Runtime) RegisterTaskRunStore(contextID string, store *history.Store) {
	rt.storesMu.Lock()
	defer rt.storesMu.Unlock()
	rt.stores[contextID] = store
}

// Model returns the LanguageModel the runtime was built with, for callers
// (TaskRunner) that need to build their own Store outside the normal
// per-contextId map.
func (rt *Runtime) Model() protocol.LanguageModel { return rt.model }

// RegisterSkillPrompt makes a skill's prompt text available to
// SkillPrompt/agentturn's system-prompt layering under id.
func (rt *Runtime) RegisterSkillPrompt(id, prompt string) {
	rt.skillPromptsMu.Lock()
	defer rt.skillPromptsMu.Unlock()
	rt.skillPrompts[id] = prompt
}

// SkillPrompt looks up a previously registered skill prompt by id.
func (rt *Runtime) SkillPrompt(id string) (string, bool) {
	rt.skillPromptsMu.RLock()
	defer rt.skillPromptsMu.RUnlock()
	p, ok := rt.skillPrompts[id]
	return p, ok
}

// SkillIDs lists every skill id registered with RegisterSkillPrompt, for
// /api/skill/list's catalog of what can be pinned.
func (rt *Runtime) SkillIDs() []string {
	rt.skillPromptsMu.RLock()
	defer rt.skillPromptsMu.RUnlock()
	ids := make([]string, 0, len(rt.skillPrompts))
	for id := range rt.skillPrompts {
		ids = append(ids, id)
	}
	return ids
}

// RunTurn enqueues in.ContextID's turn onto the lane scheduler and blocks
// until it runs and completes, or ctx is canceled first. It returns an error
// wrapping ErrLaneBusy when the lane is at its queue cap. Fire-and-forget
// callers (IngressPipeline) use Submit instead.
func (rt *Runtime) RunTurn(ctx context.Context, in agentturn.TurnInput, onStep agentturn.OnStep) (*agentturn.RunResult, error) {
	type outcome struct {
		result *agentturn.RunResult
		err    error
	}
	done := make(chan outcome, 1)

	enqueued := rt.Lane.Enqueue(in.ContextID, func(turnCtx context.Context) {
		res, err := rt.Engine.Run(turnCtx, in, onStep)
		done <- outcome{res, err}
	})
	if !enqueued.Accepted {
		return nil, fmt.Errorf("%w: contextId=%s queueLength=%d", ErrLaneBusy, in.ContextID, enqueued.LaneLength)
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues in.ContextID's turn and returns immediately without
// waiting for it to run, logging the outcome rather than reporting it to a
// caller. IngressPipeline uses this: a platform event either gets queued or
// gets a synchronous "busy" reply, but the turn itself runs in the
// background and replies through chat_send/the fallback sender.
func (rt *Runtime) Submit(in agentturn.TurnInput, onStep agentturn.OnStep) lane.EnqueueResult {
	return rt.Lane.Enqueue(in.ContextID, func(turnCtx context.Context) {
		if _, err := rt.Engine.Run(turnCtx, in, onStep); err != nil {
			slog.Error("runtime: background turn failed", "contextId", in.ContextID, "error", err)
		}
	})
}

// Stats reports the lane scheduler's current load, for /api/status.
func (rt *Runtime) Stats() lane.Stats { return rt.Lane.Stats() }

// Shutdown stops intake and waits for in-flight turns to finish, forcing
// cancellation after timeout.
func (rt *Runtime) Shutdown(timeout time.Duration) {
	rt.Lane.Shutdown(timeout)
}
