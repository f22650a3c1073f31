// Package history implements HistoryStore: the per-context, append-only
// message log, with a best-effort file lock, meta-file bookkeeping, and
// LLM-driven compaction.
package history

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// Store is one contextId's append-only history. Shared-read/single-writer
// in-process: concurrent Append/CompactIfNeeded calls serialize through
// both an in-process mutex and the on-disk sentinel lock, so a Store is
// safe to call from multiple goroutines.
type Store struct {
	layout    pathlayout.Layout
	contextID string
	model     protocol.LanguageModel

	historyPath string
	metaPath    string
	lockPath    string

	mu sync.Mutex // serializes this process's writers before touching the file lock
}

// New returns the Store for contextID, writing into the default
// per-context location under "context/<encodedContextId>/messages/". Stores
// are created lazily and live for the runtime's lifetime.
func New(layout pathlayout.Layout, contextID string, model protocol.LanguageModel) *Store {
	return &Store{
		layout:      layout,
		contextID:   contextID,
		model:       model,
		historyPath: layout.HistoryFile(contextID),
		metaPath:    layout.MetaFile(contextID),
		lockPath:    layout.LockFile(contextID),
	}
}

// NewForTaskRun returns a Store scoped to one TaskRunner execution: it
// writes contextID's history and meta bookkeeping into the run's own audit
// directory instead of the shared per-context location, so a run's
// "history.jsonl" sits alongside its input.md/output.md/result.md/run.json.
func NewForTaskRun(layout pathlayout.Layout, taskID, timestamp, contextID string, model protocol.LanguageModel) *Store {
	runDir := layout.TaskRunDir(taskID, timestamp)
	return &Store{
		layout:      layout,
		contextID:   contextID,
		model:       model,
		historyPath: layout.TaskRunHistory(taskID, timestamp),
		metaPath:    filepath.Join(runDir, "meta.json"),
		lockPath:    filepath.Join(runDir, ".history.lock"),
	}
}

func (s *Store) historyFile() string { return s.historyPath }
func (s *Store) metaFile() string    { return s.metaPath }
func (s *Store) lockFile() string    { return s.lockPath }

// Append serializes and appends one message under the lock, atomic relative
// to other appenders in this process.
func (s *Store) Append(msg protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := newFileLock(s.lockFile())
	token, err := lock.Acquire()
	if err != nil {
		return err
	}
	defer lock.Release(token)

	if err := os.MkdirAll(filepath.Dir(s.historyFile()), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.historyFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// LoadAll reads every message currently in the history file, in append order.
func (s *Store) LoadAll() ([]protocol.ChatMessage, error) {
	return readMessages(s.historyFile())
}

// LoadTail returns the last n messages (or all of them, if fewer than n exist).
func (s *Store) LoadTail(n int) ([]protocol.ChatMessage, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// CountMessages returns the number of messages currently persisted.
func (s *Store) CountMessages() (int, error) {
	all, err := s.LoadAll()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func readMessages(path string) ([]protocol.ChatMessage, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []protocol.ChatMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m protocol.ChatMessage
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("history: dropping unparsable line", "contextId", filepath.Base(filepath.Dir(path)), "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeMessagesAtomic(path string, msgs []protocol.ChatMessage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadMeta reads meta.json, initializing a fresh Meta if it doesn't exist yet.
func (s *Store) LoadMeta() (Meta, error) {
	return loadMeta(s.metaFile(), s.contextID)
}

// UpdateMeta reads-modifies-writes meta.json under f, atomically.
func (s *Store) UpdateMeta(f func(*Meta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := loadMeta(s.metaFile(), s.contextID)
	if err != nil {
		return err
	}
	f(&m)
	m.PinnedSkillIDs = dedupPinnedSkillIDs(m.PinnedSkillIDs)
	return saveMeta(s.metaFile(), m)
}

// AddPinnedSkillID appends a skill id to the pinned list, deduplicated.
func (s *Store) AddPinnedSkillID(id string) error {
	return s.UpdateMeta(func(m *Meta) {
		m.PinnedSkillIDs = append(m.PinnedSkillIDs, id)
	})
}

// RemovePinnedSkillID removes a skill id from the pinned list, if present.
func (s *Store) RemovePinnedSkillID(id string) error {
	return s.UpdateMeta(func(m *Meta) {
		out := m.PinnedSkillIDs[:0]
		for _, existing := range m.PinnedSkillIDs {
			if existing != id {
				out = append(out, existing)
			}
		}
		m.PinnedSkillIDs = out
	})
}

// ClearHistory empties the history file and resets meta's archive/keep
// bookkeeping. Called after a turn exhausts its context-overflow compaction
// retries, clearing history for that contextId rather than looping forever.
func (s *Store) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := newFileLock(s.lockFile())
	token, err := lock.Acquire()
	if err != nil {
		return err
	}
	defer lock.Release(token)

	if err := writeMessagesAtomic(s.historyFile(), nil); err != nil {
		return err
	}

	meta, err := loadMeta(s.metaFile(), s.contextID)
	if err != nil {
		return err
	}
	meta.LastArchiveID = ""
	meta.KeepLastMessages = 0
	return saveMeta(s.metaFile(), meta)
}

// ToModelMessages flattens ChatMessages into the ModelMessage sequence an
// LLM call consumes: tool_call parts ride on the message's own entry as
// ToolCalls, and tool_result parts are expanded into their own tool-role
// entries.
func ToModelMessages(msgs []protocol.ChatMessage) []protocol.ModelMessage {
	var out []protocol.ModelMessage
	for _, m := range msgs {
		role := string(m.Role)
		var text string
		var calls []protocol.ModelToolCall
		var toolResults []protocol.ModelMessage

		for _, p := range m.Parts {
			switch p.Type {
			case protocol.PartText:
				if text != "" {
					text += "\n"
				}
				text += p.Text
			case protocol.PartToolCall:
				calls = append(calls, protocol.ModelToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.ToolArgs})
			case protocol.PartToolResult:
				toolResults = append(toolResults, protocol.ModelMessage{
					Role:       "tool",
					Content:    p.Result,
					ToolCallID: p.ForToolCallID,
				})
			}
		}

		if text != "" || len(calls) > 0 {
			out = append(out, protocol.ModelMessage{Role: role, Content: text, ToolCalls: calls})
		}
		out = append(out, toolResults...)
	}
	return out
}
