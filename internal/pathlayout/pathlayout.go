// Package pathlayout is the single pure-function mapping from
// (rootPath, contextId, taskId, timestamp) to canonical on-disk locations
// under "<root>/.ship/".
package pathlayout

import (
	"path/filepath"
	"strings"
)

const shipDir = ".ship"

// Layout resolves every path the runtime touches, rooted at one directory.
type Layout struct {
	root string
}

// New returns a Layout rooted at rootPath/.ship.
func New(rootPath string) Layout {
	return Layout{root: filepath.Join(rootPath, shipDir)}
}

// Root returns the ".ship" directory itself.
func (l Layout) Root() string { return l.root }

// AgentMD is the external, user-authored system-prompt layer.
func (l Layout) AgentMD() string { return filepath.Join(l.root, "agent.md") }

// ShipJSON is the external config file, not parsed by the core.
func (l Layout) ShipJSON() string { return filepath.Join(l.root, "ship.json") }

// LogFile returns the append-only JSONL log for a given UTC date ("2006-01-02").
func (l Layout) LogFile(dateUTC string) string {
	return filepath.Join(l.root, "logs", dateUTC+".jsonl")
}

// EncodeContextID makes a ContextId safe for use as a single path segment.
// ContextIds may contain ':' (e.g. "task-run:<taskId>:<timestamp>") which is
// not safe on all filesystems, so it is replaced with '_'.
func EncodeContextID(contextID string) string {
	return strings.ReplaceAll(contextID, ":", "_")
}

// contextDir is the root of one context's on-disk state.
func (l Layout) contextDir(contextID string) string {
	return filepath.Join(l.root, "context", EncodeContextID(contextID))
}

// HistoryFile is the append-only JSONL message log for a context.
func (l Layout) HistoryFile(contextID string) string {
	return filepath.Join(l.contextDir(contextID), "messages", "history.jsonl")
}

// MetaFile is the single JSON object describing context metadata.
func (l Layout) MetaFile(contextID string) string {
	return filepath.Join(l.contextDir(contextID), "messages", "meta.json")
}

// LockFile is the sentinel file used for HistoryStore's best-effort lock.
func (l Layout) LockFile(contextID string) string {
	return filepath.Join(l.contextDir(contextID), "messages", ".history.lock")
}

// ArchiveDir is where compaction snapshots are written.
func (l Layout) ArchiveDir(contextID string) string {
	return filepath.Join(l.contextDir(contextID), "messages", "archive")
}

// ArchiveFile is one compaction snapshot's path.
func (l Layout) ArchiveFile(contextID, compactID string) string {
	return filepath.Join(l.ArchiveDir(contextID), compactID+".json")
}

// taskDir is the root of one task definition's on-disk state.
func (l Layout) taskDir(taskID string) string {
	return filepath.Join(l.root, "task", taskID)
}

// TaskDefinitionFile is the markdown-with-YAML-frontmatter task file.
func (l Layout) TaskDefinitionFile(taskID string) string {
	return filepath.Join(l.taskDir(taskID), "task.md")
}

// TaskDir returns the directory that holds every task definition (for watching).
func (l Layout) TaskDir() string {
	return filepath.Join(l.root, "task")
}

// TaskRunDir is one execution's audit-artifact directory.
func (l Layout) TaskRunDir(taskID, timestamp string) string {
	return filepath.Join(l.taskDir(taskID), timestamp)
}

// TaskRunInput, TaskRunOutput, TaskRunResult, TaskRunError, TaskRunJSON,
// TaskRunHistory are the fixed filenames inside a TaskRunDir.
func (l Layout) TaskRunInput(taskID, ts string) string  { return filepath.Join(l.TaskRunDir(taskID, ts), "input.md") }
func (l Layout) TaskRunOutput(taskID, ts string) string { return filepath.Join(l.TaskRunDir(taskID, ts), "output.md") }
func (l Layout) TaskRunResult(taskID, ts string) string { return filepath.Join(l.TaskRunDir(taskID, ts), "result.md") }
func (l Layout) TaskRunErrorFile(taskID, ts string) string {
	return filepath.Join(l.TaskRunDir(taskID, ts), "error.md")
}
func (l Layout) TaskRunJSON(taskID, ts string) string {
	return filepath.Join(l.TaskRunDir(taskID, ts), "run.json")
}
func (l Layout) TaskRunHistory(taskID, ts string) string {
	return filepath.Join(l.TaskRunDir(taskID, ts), "history.jsonl")
}

// CacheDir is per-channel platform state (e.g. lastUpdateId.json).
func (l Layout) CacheDir(channel string) string {
	return filepath.Join(l.root, "cache", channel)
}

// PublicDir is served at /ship/public/*.
func (l Layout) PublicDir() string {
	return filepath.Join(l.root, "public")
}

// ApprovalFile is the optional deferred-tool-call approval record.
func (l Layout) ApprovalFile(id string) string {
	return filepath.Join(l.root, "approvals", id+".json")
}
