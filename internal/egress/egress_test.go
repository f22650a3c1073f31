package egress

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type recordingSender struct {
	sent []string
}

func (s *recordingSender) Send(channel, targetID, text string) error {
	s.sent = append(s.sent, fmt.Sprintf("%s/%s: %s", channel, targetID, text))
	return nil
}

func TestRouter_SendToChatKey_ResolvesAndDelivers(t *testing.T) {
	r := NewRouter()
	telegram := &recordingSender{}
	r.Register("telegram", telegram)

	if err := r.SendToChatKey("telegram-chat-42", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(telegram.sent) != 1 || telegram.sent[0] != "telegram/42: hello" {
		t.Fatalf("unexpected deliveries: %v", telegram.sent)
	}
}

func TestRouter_SendToChatKey_ThrottlesPerTarget(t *testing.T) {
	r := NewRouter()
	telegram := &recordingSender{}
	r.Register("telegram", telegram)

	start := time.Now()
	for i := 0; i < sendBurst; i++ {
		if err := r.SendToChatKey("telegram-chat-42", "hi"); err != nil {
			t.Fatalf("send #%d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected burst sends within the limiter's burst to return immediately, took %s", elapsed)
	}
	if len(telegram.sent) != sendBurst {
		t.Fatalf("expected %d deliveries, got %d", sendBurst, len(telegram.sent))
	}
}

func TestRouter_SendToChatKey_UnknownChannel(t *testing.T) {
	r := NewRouter()
	if err := r.SendToChatKey("feishu-chat-1", "hi"); err == nil {
		t.Fatalf("expected error for unregistered channel")
	}
}

func TestNormalizeEscapedLiterals(t *testing.T) {
	cases := []struct{ in, want string }{
		{`line one\nline two`, "line one\nline two"},
		{"already\nhas\nreal newlines", "already\nhas\nreal newlines"},
		{"no escapes here", "no escapes here"},
		{`a\tb`, "a\tb"},
	}
	for _, tc := range cases {
		if got := normalizeEscapedLiterals(tc.in); got != tc.want {
			t.Fatalf("normalizeEscapedLiterals(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChunkForPlatform_SplitsAtNewlineWithinLimit(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		sb.WriteString(strings.Repeat("x", 10))
		sb.WriteString("\n")
	}
	text := sb.String()

	chunks := chunkForPlatform("telegram", text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > telegramChunkLimit {
			t.Fatalf("chunk exceeds limit: %d > %d", len(c), telegramChunkLimit)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatalf("chunks do not reconstruct original text")
	}
}

func TestChunkForPlatform_ShortTextSingleChunk(t *testing.T) {
	chunks := chunkForPlatform("telegram", "short reply")
	if len(chunks) != 1 || chunks[0] != "short reply" {
		t.Fatalf("expected single unchanged chunk, got %v", chunks)
	}
}
