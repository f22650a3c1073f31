package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

const (
	defaultKeepLastMessages = 30
	summarizationInputCap   = 24_000
)

// CompactOptions parameterizes CompactIfNeeded. SystemText is the current
// system prompt (counted toward the token-budget estimate alongside the
// messages themselves); MaxInputTokensApprox <= 0 disables the budget gate
// so compaction falls back to the message-count threshold alone.
type CompactOptions struct {
	KeepLastMessages     int
	ArchiveOnCompact     bool
	SystemText           string
	MaxInputTokensApprox int
}

// CompactIfNeeded runs the two-phase compaction algorithm: a short-lock
// snapshot read, an out-of-lock LLM summarization, and a short-lock commit
// that re-reads the (possibly since-grown) tail before replacing the file.
// Reports whether a compaction actually occurred.
func (s *Store) CompactIfNeeded(ctx context.Context, opts CompactOptions) (bool, error) {
	keepLast := opts.KeepLastMessages
	if keepLast <= 0 {
		keepLast = defaultKeepLastMessages
	}

	// Phase 1: short lock, snapshot.
	snapshot, err := s.snapshotUnderLock()
	if err != nil {
		return false, err
	}
	if len(snapshot) <= keepLast+2 {
		return false, nil
	}

	if opts.MaxInputTokensApprox > 0 {
		estimate, err := estimateTokens(opts.SystemText, snapshot)
		if err != nil {
			return false, err
		}
		if estimate <= opts.MaxInputTokensApprox {
			return false, nil
		}
	}

	older := snapshot[:len(snapshot)-keepLast]
	if len(older) == 0 {
		return false, nil
	}

	summaryText := s.summarize(ctx, older)

	// Phase 2: short lock, commit against the current (possibly grown) tail.
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := newFileLock(s.lockFile())
	token, err := lock.Acquire()
	if err != nil {
		return false, err
	}
	defer lock.Release(token)

	current, err := readMessages(s.historyFile())
	if err != nil {
		return false, err
	}
	if len(current) <= keepLast {
		return false, nil
	}
	olderPrime := current[:len(current)-keepLast]
	keptPrime := current[len(current)-keepLast:]
	if len(olderPrime) == 0 {
		return false, nil
	}

	compactID := uuid.NewString()
	if opts.ArchiveOnCompact {
		if err := s.archiveUnlocked(compactID, olderPrime); err != nil {
			return false, err
		}
	}

	rng := protocol.SourceRange{FromID: olderPrime[0].ID, ToID: olderPrime[len(olderPrime)-1].ID, Count: len(olderPrime)}
	summary := protocol.NewSummaryMessage(uuid.NewString(), s.contextID, summaryText, rng)

	final := make([]protocol.ChatMessage, 0, len(keptPrime)+1)
	final = append(final, summary)
	final = append(final, keptPrime...)

	if err := writeMessagesAtomic(s.historyFile(), final); err != nil {
		return false, err
	}

	meta, err := loadMeta(s.metaFile(), s.contextID)
	if err != nil {
		return false, err
	}
	meta.LastArchiveID = compactID
	meta.KeepLastMessages = keepLast
	if opts.MaxInputTokensApprox > 0 {
		meta.MaxInputTokensApprox = opts.MaxInputTokensApprox
	}
	if err := saveMeta(s.metaFile(), meta); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) snapshotUnderLock() ([]protocol.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := newFileLock(s.lockFile())
	token, err := lock.Acquire()
	if err != nil {
		return nil, err
	}
	defer lock.Release(token)

	return readMessages(s.historyFile())
}

// summarize runs outside any lock, so a slow LLM call never holds the file
// lock. On failure it falls back to a lossy marker rather than blocking
// compaction.
func (s *Store) summarize(ctx context.Context, older []protocol.ChatMessage) string {
	if s.model == nil {
		return "summary generation failed; older history dropped"
	}

	transcript := flattenTranscript(older)
	transcript = truncateKeepingTail(transcript, summarizationInputCap)

	req := protocol.ModelRequest{
		Messages: []protocol.ModelMessage{
			{
				Role: "system",
				Content: "Summarize the following conversation transcript into a structured " +
					"summary covering facts, preferences, decisions, and open items. " +
					"Target 300-800 words.",
			},
			{Role: "user", Content: transcript},
		},
	}

	sctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	resp, err := s.model.Generate(sctx, req)
	if err != nil {
		slog.Warn("history: compaction summarization failed", "contextId", s.contextID, "error", err)
		return "summary generation failed; older history dropped"
	}
	return resp.Content
}

// estimateTokens approximates the input token budget as
// ceil((len(systemText) + len(JSON(messages))) / 3) characters-per-token.
func estimateTokens(systemText string, messages []protocol.ChatMessage) (int, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return 0, err
	}
	chars := len(systemText) + len(data)
	return (chars + 2) / 3, nil
}

func flattenTranscript(msgs []protocol.ChatMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}
	return sb.String()
}

// truncateKeepingTail keeps the last maxLen characters of s, matching the
// "truncated at 24 000 chars keeping the tail" rule.
func truncateKeepingTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

func (s *Store) archiveUnlocked(compactID string, older []protocol.ChatMessage) error {
	path := s.layout.ArchiveFile(s.contextID, compactID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(older, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
