// Package ingress implements IngressPipeline: turns a normalized
// PlatformEvent from any channel adapter into an enqueued AgentTurn, with
// per-contextId message dedupe, group-chat mention/command gating, and
// thread-initiator tracking.
package ingress

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/chatkey"
	"github.com/wangenius/shipmyagent/internal/runtime"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

const dedupeWindow = 10 * time.Minute

// floodRate/floodBurst bound how often a single contextId may submit a turn,
// ahead of the LaneScheduler's own per-lane backpressure — a misbehaving
// bot/webhook retrying a channel shouldn't be able to starve other chats'
// lanes before the scheduler even sees the turn.
const (
	floodRate  = 2 // events per second
	floodBurst = 6
)

// Pipeline normalizes PlatformEvents into AgentTurn submissions against a
// Runtime.
type Pipeline struct {
	rt *runtime.Runtime

	dedupe sync.Map // "<contextId>:<messageId>" -> struct{}

	initiatorsMu sync.Mutex
	initiators   map[string]string // contextId -> first non-gated actorId

	floodMu sync.Mutex
	flood   map[string]*rate.Limiter // contextId -> ingress flood guard
}

// New returns a Pipeline dispatching accepted turns against rt.
func New(rt *runtime.Runtime) *Pipeline {
	return &Pipeline{
		rt:         rt,
		initiators: make(map[string]string),
		flood:      make(map[string]*rate.Limiter),
	}
}

// floodLimiter returns contextId's ingress rate limiter, creating it lazily.
func (p *Pipeline) floodLimiter(contextID string) *rate.Limiter {
	p.floodMu.Lock()
	defer p.floodMu.Unlock()
	l, ok := p.flood[contextID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(floodRate), floodBurst)
		p.flood[contextID] = l
	}
	return l
}

// Handle derives a contextId from ev, applies dedupe and group-chat gating,
// and either submits an AgentTurn or records the event audit-only. onStep
// forwards the resulting turn's step events (nil is fine for fire-and-forget
// channels with no live progress feed).
func (p *Pipeline) Handle(ev protocol.PlatformEvent, onStep agentturn.OnStep) error {
	contextID, actorID, err := deriveContext(ev)
	if err != nil {
		return err
	}

	if ev.MessageID != "" && p.isDuplicate(contextID, ev.MessageID) {
		return nil
	}

	if !p.floodLimiter(contextID).Allow() {
		slog.Warn("ingress: dropping event, contextId is over its flood limit", "contextId", contextID, "channel", ev.Channel)
		return nil
	}

	if ev.IsGroup && !ev.MentionsMe && !isCommand(ev.Body) {
		return p.recordAuditOnly(contextID, ev)
	}
	p.noteThreadInitiator(contextID, actorID)

	in := agentturn.TurnInput{
		ContextID: contextID,
		UserText:  ev.Body,
		Channel:   ev.Channel,
		TargetID:  ev.TargetID,
		ActorID:   actorID,
		MessageID: ev.MessageID,
		ThreadID:  ev.ThreadID,
	}

	result := p.rt.Submit(in, onStep)
	if !result.Accepted {
		busyText := "I'm still working through the last few messages here — try again shortly."
		if sendErr := p.rt.Egress.Send(ev.Channel, ev.TargetID, busyText); sendErr != nil {
			return fmt.Errorf("ingress: lane busy and busy-reply failed: %w", sendErr)
		}
	}
	return nil
}

// deriveContext applies the deterministic contextId naming convention per
// channel.
func deriveContext(ev protocol.PlatformEvent) (contextID, actorID string, err error) {
	actorID = ev.ActorID
	switch ev.Channel {
	case "telegram":
		threadID, _ := strconv.ParseInt(ev.ThreadID, 10, 64)
		return chatkey.DeriveTelegram(ev.TargetID, threadID), actorID, nil
	case "feishu":
		return chatkey.DeriveFeishu(ev.TargetID), actorID, nil
	case "qq":
		return chatkey.DeriveQQ(ev.TargetType, ev.TargetID), actorID, nil
	case "api":
		if actorID == "" {
			actorID = "api"
		}
		return chatkey.DeriveAPI(ev.TargetID), actorID, nil
	default:
		return "", "", fmt.Errorf("ingress: unknown channel %q", ev.Channel)
	}
}

// isDuplicate reports whether messageId was already seen for contextId
// within the dedupe window, recording it if not.
func (p *Pipeline) isDuplicate(contextID, messageID string) bool {
	key := contextID + ":" + messageID
	_, loaded := p.dedupe.LoadOrStore(key, struct{}{})
	if !loaded {
		go func() {
			time.Sleep(dedupeWindow)
			p.dedupe.Delete(key)
		}()
	}
	return loaded
}

// noteThreadInitiator records the first actor to drive a contextId's turns,
// for a future admin/initiator-only policy; unenforced today (see
// DESIGN.md's Open Question decision on this).
func (p *Pipeline) noteThreadInitiator(contextID, actorID string) {
	p.initiatorsMu.Lock()
	defer p.initiatorsMu.Unlock()
	if _, ok := p.initiators[contextID]; !ok {
		p.initiators[contextID] = actorID
	}
}

// Initiator returns the recorded thread-initiator for contextID, if any.
func (p *Pipeline) Initiator(contextID string) (string, bool) {
	p.initiatorsMu.Lock()
	defer p.initiatorsMu.Unlock()
	id, ok := p.initiators[contextID]
	return id, ok
}

// recordAuditOnly appends the event to history without running a turn, for
// group messages that neither mention the bot nor issue a command.
func (p *Pipeline) recordAuditOnly(contextID string, ev protocol.PlatformEvent) error {
	store, err := p.rt.HistoryStore(contextID)
	if err != nil {
		return fmt.Errorf("ingress: resolving history store: %w", err)
	}
	msg := protocol.NewUserMessage(uuid.NewString(), contextID, ev.Body)
	msg.Metadata["auditOnly"] = true
	msg.Metadata["actorId"] = ev.ActorID
	return store.Append(msg)
}

// isCommand reports whether body looks like an explicit slash command.
func isCommand(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "/")
}
