package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestDetectMention_EntityMatch(t *testing.T) {
	msg := &telego.Message{
		Text: "hey @shipbot can you help",
		Entities: []telego.MessageEntity{
			{Type: "mention", Offset: 4, Length: 8},
		},
	}
	if !detectMention(msg, "shipbot") {
		t.Fatalf("expected mention entity to be detected")
	}
}

func TestDetectMention_SubstringFallback(t *testing.T) {
	msg := &telego.Message{Text: "ping @shipbot"}
	if !detectMention(msg, "shipbot") {
		t.Fatalf("expected substring fallback to detect mention")
	}
}

func TestDetectMention_ReplyToBot(t *testing.T) {
	msg := &telego.Message{
		Text:           "yes please",
		ReplyToMessage: &telego.Message{From: &telego.User{Username: "shipbot"}},
	}
	if !detectMention(msg, "shipbot") {
		t.Fatalf("expected reply-to-bot to count as a mention")
	}
}

func TestDetectMention_NoMatch(t *testing.T) {
	msg := &telego.Message{Text: "just chatting amongst ourselves"}
	if detectMention(msg, "shipbot") {
		t.Fatalf("expected no mention")
	}
}

func TestDetectMention_EmptyUsername(t *testing.T) {
	if detectMention(&telego.Message{Text: "anything"}, "") {
		t.Fatalf("expected false when bot username is unknown")
	}
}

func TestIsServiceMessage(t *testing.T) {
	cases := []struct {
		name string
		msg  *telego.Message
		want bool
	}{
		{"text message", &telego.Message{Text: "hello"}, false},
		{"photo message", &telego.Message{Photo: []telego.PhotoSize{{}}}, false},
		{"member joined", &telego.Message{NewChatMembers: []telego.User{{ID: 1}}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isServiceMessage(tc.msg); got != tc.want {
				t.Fatalf("isServiceMessage() = %v, want %v", got, tc.want)
			}
		})
	}
}
