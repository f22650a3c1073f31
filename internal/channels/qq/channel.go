package qq

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/ingress"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// ChannelName is the value used everywhere a contextId/egress channel key is
// derived for QQ (chatkey.DeriveQQ, egress.Router.Register).
const ChannelName = "qq"

// Config is the minimal set of QQ official-bot credentials this adapter
// needs. ClientSecret doubles as the seed for the ed25519 keypair the
// webhook handler signs/verifies with.
type Config struct {
	AppID        string
	ClientSecret string
}

// sender is the subset of client's API Channel needs to deliver a reply; it
// exists so tests can substitute a fake instead of a live QQ client.
type sender interface {
	sendGroupMessage(ctx context.Context, groupOpenID, text string) error
	sendPrivateMessage(ctx context.Context, userOpenID, text string) error
}

// Channel receives QQ's ed25519-signed bot webhook and implements
// protocol.Egress for replies. Unlike Telegram/Feishu, a reply requires
// knowing whether targetID is a group or a C2C (private) chat — QQ exposes
// distinct endpoints for each and protocol.Egress.Send carries only a bare
// targetID — so Channel remembers the type of every inbound chat it has
// seen and consults that cache when sending.
type Channel struct {
	cfg      Config
	client   sender
	pipeline *ingress.Pipeline
	onStep   agentturn.OnStep
	server   *http.Server

	targetTypes sync.Map // targetID string -> "group" | "private"
}

// New builds a Channel bound to pipeline. Run starts an HTTP server at addr
// serving the webhook at path; point the bot's callback URL at it.
func New(cfg Config, pipeline *ingress.Pipeline, onStep agentturn.OnStep) (*Channel, error) {
	if cfg.AppID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("qq: app id and client secret are required")
	}
	return &Channel{
		cfg:      cfg,
		client:   newClient(cfg.AppID, cfg.ClientSecret),
		pipeline: pipeline,
		onStep:   onStep,
	}, nil
}

// Run serves the webhook callback at addr+path until ctx is canceled.
func (c *Channel) Run(ctx context.Context, addr, path string) error {
	handler := newWebhookHandler(c.cfg.ClientSecret, c.dispatch)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	c.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("qq: webhook server: %w", err)
	}
	return nil
}

func (c *Channel) dispatch(ev protocol.PlatformEvent) {
	if ev.TargetType != "" {
		c.targetTypes.Store(ev.TargetID, ev.TargetType)
	}
	if err := c.pipeline.Handle(ev, c.onStep); err != nil {
		slog.Error("qq: pipeline handling failed", "error", err, "targetId", ev.TargetID)
	}
}

// Send implements protocol.Egress. It picks the group or C2C send endpoint
// based on the type recorded for targetID the last time it appeared in an
// inbound event, defaulting to private if targetID was never seen.
func (c *Channel) Send(channel, targetID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	targetType, _ := c.targetTypes.Load(targetID)
	if targetType == "group" {
		return c.client.sendGroupMessage(ctx, targetID, text)
	}
	return c.client.sendPrivateMessage(ctx, targetID, text)
}
