package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/ingress"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// ChannelName is the value used everywhere a contextId/egress channel key is
// derived for Feishu (chatkey.DeriveFeishu, egress.Router.Register).
const ChannelName = "feishu"

// Config is the minimal set of Feishu app credentials this adapter needs.
// VerificationToken, if set, is checked against every inbound callback.
// BotOpenID, if set, lets group chats detect an explicit @mention of the bot.
type Config struct {
	AppID             string
	AppSecret         string
	Domain            string // defaults to open.feishu.cn
	VerificationToken string
	BotOpenID         string
}

// Channel receives Feishu event-callback webhooks and implements
// protocol.Egress for replies.
type Channel struct {
	cfg      Config
	client   *client
	pipeline *ingress.Pipeline
	onStep   agentturn.OnStep
	server   *http.Server
}

// New builds a Channel bound to pipeline. Run starts an HTTP server at addr
// serving the webhook at path; point Feishu's event-subscription URL at it.
func New(cfg Config, pipeline *ingress.Pipeline, onStep agentturn.OnStep) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu: app id and app secret are required")
	}
	return &Channel{
		cfg:      cfg,
		client:   newClient(cfg.AppID, cfg.AppSecret, cfg.Domain),
		pipeline: pipeline,
		onStep:   onStep,
	}, nil
}

// Run serves the webhook callback at addr+path until ctx is canceled.
func (c *Channel) Run(ctx context.Context, addr, path string) error {
	handler := newWebhookHandler(c.cfg.VerificationToken, c.cfg.BotOpenID, c.dispatch)

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
		return fmt.Errorf("feishu: webhook server: %w", err)
	}
	return nil
}

func (c *Channel) dispatch(ev protocol.PlatformEvent) {
	if err := c.pipeline.Handle(ev, c.onStep); err != nil {
		slog.Error("feishu: pipeline handling failed", "error", err, "chatId", ev.TargetID)
	}
}

// Send implements protocol.Egress, posting text to the chat named by
// targetID (chatkey's Feishu chat ID).
func (c *Channel) Send(channel, targetID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return c.client.sendText(ctx, targetID, text)
}
