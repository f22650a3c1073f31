package taskrunner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"

	"github.com/wangenius/shipmyagent/internal/runtime"
)

// tickInterval matches the once-per-second cron evaluation cadence.
const tickInterval = 1 * time.Second

// Scheduler evaluates every loaded TaskDefinition's cron expression once a
// second and fires a run for each match, reloading its definition set
// whenever task/<id>/task.md files change on disk.
type Scheduler struct {
	rt      *runtime.Runtime
	gron    gronx.Gronx
	lastRun map[string]time.Time

	mu   sync.Mutex
	defs map[string]TaskDefinition

	watcher *fsnotify.Watcher
}

// New loads every task definition under rt.Layout's task directory and
// returns a Scheduler ready to Run. Watching starts immediately so
// definitions added or edited before Run is called are still picked up.
func New(rt *runtime.Runtime) (*Scheduler, error) {
	s := &Scheduler{
		rt:      rt,
		gron:    gronx.New(),
		lastRun: make(map[string]time.Time),
	}

	defs, err := loadAllDefinitions(rt.Layout, s.logSkippedDefinition)
	if err != nil {
		return nil, err
	}
	s.defs = defs

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s.watcher = watcher
	s.watchTaskDirAndChildren()

	return s, nil
}

// watchTaskDirAndChildren watches the task directory itself (to catch new
// task subdirectories appearing) and every task subdirectory found today
// (to catch task.md being edited in place). fsnotify does not recurse, so
// each level must be added explicitly.
func (s *Scheduler) watchTaskDirAndChildren() {
	taskDir := s.rt.Layout.TaskDir()
	if err := s.watcher.Add(taskDir); err != nil {
		slog.Warn("taskrunner: watching task directory failed, live reload disabled", "error", err)
		return
	}
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = s.watcher.Add(filepath.Join(taskDir, entry.Name()))
		}
	}
}

// Run blocks, ticking once a second, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.watchLoop(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.watcher.Close()
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick evaluates every active definition's cron expression against now and
// fires runTaskNow (in its own goroutine, so one slow task never delays the
// next tick) for each match.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defs := make([]TaskDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def)
	}
	s.mu.Unlock()

	for _, def := range defs {
		if !def.Active() {
			continue
		}
		due, err := s.gron.IsDue(def.Cron, now)
		if err != nil {
			slog.Warn("taskrunner: invalid cron expression", "taskId", def.TaskID, "cron", def.Cron, "error", err)
			continue
		}
		if !due || s.alreadyFiredThisSecond(def.TaskID, now) {
			continue
		}
		go runTaskNow(ctx, s.rt, def, "cron")
	}
}

// alreadyFiredThisSecond guards against firing the same definition twice
// for the same wall-clock second, since the tick loop and gronx's own
// minute-granularity matching can otherwise overlap at a boundary.
func (s *Scheduler) alreadyFiredThisSecond(taskID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	truncated := now.Truncate(time.Second)
	if last, ok := s.lastRun[taskID]; ok && last.Equal(truncated) {
		return true
	}
	s.lastRun[taskID] = truncated
	return false
}

// watchLoop reloads the whole definition set on any task.md create/write/
// remove/rename event, rather than patching a single entry, since a single
// event doesn't tell us which directory's definition changed without
// re-reading it anyway.
func (s *Scheduler) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = s.watcher.Add(event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("taskrunner: watcher error", "error", err)
		}
	}
}

func (s *Scheduler) reload() {
	defs, err := loadAllDefinitions(s.rt.Layout, s.logSkippedDefinition)
	if err != nil {
		slog.Warn("taskrunner: reloading task definitions failed", "error", err)
		return
	}
	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
	slog.Info("taskrunner: reloaded task definitions", "count", len(defs))
}

func (s *Scheduler) logSkippedDefinition(taskID string, err error) {
	slog.Warn("taskrunner: skipping unreadable task definition", "taskId", taskID, "error", err)
}

// Definitions returns a snapshot of the currently loaded task definitions,
// for the HTTP API's task CRUD surface.
func (s *Scheduler) Definitions() []TaskDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	return out
}

// RunNow triggers taskID immediately (e.g. from the HTTP API), regardless
// of its cron schedule. Trigger is recorded in run.json as "manual".
func (s *Scheduler) RunNow(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	def, ok := s.defs[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	go runTaskNow(ctx, s.rt, def, "manual")
	return true
}
