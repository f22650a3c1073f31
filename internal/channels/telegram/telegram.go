// Package telegram is the Telegram Bot API channel adapter: long-polling
// Ingress (telego updates → protocol.PlatformEvent → ingress.Pipeline) and an
// Egress sender, the concrete implementation of the IngressEvent/Egress
// collaborators the core runtime treats as opaque.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/ingress"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// ChannelName is the value used everywhere a contextId/egress channel key is
// derived for Telegram (chatkey.DeriveTelegram, egress.Router.Register).
const ChannelName = "telegram"

// Channel polls Telegram for updates, normalizes them into PlatformEvents
// for an ingress.Pipeline, and implements protocol.Egress for replies.
type Channel struct {
	bot      *telego.Bot
	pipeline *ingress.Pipeline
	onStep   agentturn.OnStep

	username string
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Telegram bot client from token and binds it to pipeline.
// onStep, if non-nil, receives every step event of turns this channel
// submits (useful for a CLI/debug build; cmd/serve passes nil, and httpapi's
// websocket feed does not carry this channel's turns).
func New(token string, pipeline *ingress.Pipeline, onStep agentturn.OnStep) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{bot: bot, pipeline: pipeline, onStep: onStep}, nil
}

// Run begins long polling until ctx is canceled.
func (c *Channel) Run(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.username = c.bot.Username()
	slog.Info("telegram: bot connected", "username", c.username)

	go func() {
		defer close(c.done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	<-pollCtx.Done()
	<-c.done
	return nil
}

// Stop cancels long polling, if running.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if isServiceMessage(msg) || msg.From == nil {
		return
	}

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	threadID := 0
	if isGroup && msg.Chat.IsForum {
		threadID = msg.MessageThreadID
	}

	ev := protocol.PlatformEvent{
		Channel:    ChannelName,
		TargetID:   strconv.FormatInt(msg.Chat.ID, 10),
		ThreadID:   strconv.Itoa(threadID),
		ActorID:    strconv.FormatInt(msg.From.ID, 10),
		ActorLabel: msg.From.Username,
		MessageID:  strconv.Itoa(msg.MessageID),
		Body:       msg.Text,
		MentionsMe: !isGroup || detectMention(msg, c.username),
		IsGroup:    isGroup,
	}

	if err := c.pipeline.Handle(ev, c.onStep); err != nil {
		slog.Error("telegram: pipeline handling failed", "error", err, "chatId", ev.TargetID)
	}
}

// Send implements protocol.Egress, posting text to the chat named by
// targetID (chatkey's numeric Telegram chat ID).
func (c *Channel) Send(channel, targetID, text string) error {
	chatID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", targetID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

// detectMention reports whether msg's text mentions botUsername, by entity
// or literal "@username" substring, or replies to one of the bot's own
// messages.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lower := "@" + strings.ToLower(botUsername)

	for _, e := range msg.Entities {
		if e.Type != "mention" {
			continue
		}
		if e.Offset+e.Length > len(msg.Text) {
			continue
		}
		if strings.EqualFold(msg.Text[e.Offset:e.Offset+e.Length], lower) {
			return true
		}
	}
	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), lower) {
		return true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == botUsername {
		return true
	}
	return false
}

// isServiceMessage reports whether msg carries no user-authored content
// (member-joined/left, title changed, etc.) and should be dropped silently.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" {
		return false
	}
	return msg.Photo == nil && msg.Audio == nil && msg.Video == nil &&
		msg.Document == nil && msg.Voice == nil && msg.Sticker == nil
}
