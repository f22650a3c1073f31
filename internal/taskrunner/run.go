package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/chatkey"
	"github.com/wangenius/shipmyagent/internal/history"
	"github.com/wangenius/shipmyagent/internal/runtime"
)

// RunRecord is run.json's shape: {status, startedAt, endedAt, trigger, contextId}.
type RunRecord struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Trigger   string    `json:"trigger"`
	ContextID string    `json:"contextId"`
}

const resultPreviewChars = 500

// runTaskNow executes def.Body as one AgentTurn under a synthetic run
// contextId, writing the run's full audit trail and notifying def.ContextID
// either way.
func runTaskNow(ctx context.Context, rt *runtime.Runtime, def TaskDefinition, trigger string) {
	timestamp := newRunTimestamp()
	layout := rt.Layout

	if err := os.MkdirAll(layout.TaskRunDir(def.TaskID, timestamp), 0o755); err != nil {
		slog.Error("taskrunner: creating run directory failed", "taskId", def.TaskID, "error", err)
		return
	}
	if err := writeFile(layout.TaskRunInput(def.TaskID, timestamp), renderInput(def)); err != nil {
		slog.Error("taskrunner: writing input.md failed", "taskId", def.TaskID, "error", err)
	}

	runContextID := chatkey.DeriveTaskRun(def.TaskID, timestamp)
	store := history.NewForTaskRun(layout, def.TaskID, timestamp, runContextID, rt.Model())
	rt.RegisterTaskRunStore(runContextID, store)

	startedAt := time.Now().UTC()
	result, runErr := rt.RunTurn(ctx, agentturn.TurnInput{
		ContextID: runContextID,
		UserText:  def.Body,
		Channel:   "task-run",
		TargetID:  def.TaskID,
	}, nil)
	endedAt := time.Now().UTC()

	status, output, errorText := "success", "", ""
	switch {
	case runErr != nil:
		status = "failure"
		errorText = runErr.Error()
	case !result.Success:
		status = "failure"
		errorText = result.Output
		output = result.Output
	default:
		output = result.Output
	}

	if err := writeFile(layout.TaskRunOutput(def.TaskID, timestamp), output); err != nil {
		slog.Error("taskrunner: writing output.md failed", "taskId", def.TaskID, "error", err)
	}
	if err := writeFile(layout.TaskRunResult(def.TaskID, timestamp), renderResult(status, endedAt.Sub(startedAt), output)); err != nil {
		slog.Error("taskrunner: writing result.md failed", "taskId", def.TaskID, "error", err)
	}
	if status == "failure" {
		if err := writeFile(layout.TaskRunErrorFile(def.TaskID, timestamp), errorText); err != nil {
			slog.Error("taskrunner: writing error.md failed", "taskId", def.TaskID, "error", err)
		}
	}

	record := RunRecord{Status: status, StartedAt: startedAt, EndedAt: endedAt, Trigger: trigger, ContextID: def.ContextID}
	recordJSON, _ := json.MarshalIndent(record, "", "  ")
	if err := writeFile(layout.TaskRunJSON(def.TaskID, timestamp), string(recordJSON)); err != nil {
		slog.Error("taskrunner: writing run.json failed", "taskId", def.TaskID, "error", err)
	}

	notifyText := renderNotification(def, status, output)
	if err := rt.Egress.SendToChatKey(def.ContextID, notifyText); err != nil {
		slog.Error("taskrunner: run notification failed", "taskId", def.TaskID, "contextId", def.ContextID, "error", err)
	}
}

// newRunTimestamp formats the current UTC time as "YYYYMMDD-hhmmss-mmm".
func newRunTimestamp() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%s-%03d", now.Format("20060102-150405"), now.Nanosecond()/1_000_000)
}

func renderInput(def TaskDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title: %s\n", def.Title)
	fmt.Fprintf(&b, "cron: %s\n", def.Cron)
	fmt.Fprintf(&b, "contextId: %s\n\n", def.ContextID)
	b.WriteString(def.Body)
	return b.String()
}

func renderResult(status string, duration time.Duration, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", status)
	fmt.Fprintf(&b, "duration: %s\n\n", duration.Round(time.Millisecond))
	b.WriteString("## Output preview\n\n")
	b.WriteString(truncate(output, resultPreviewChars))
	return b.String()
}

func renderNotification(def TaskDefinition, status, output string) string {
	title := def.Title
	if title == "" {
		title = def.TaskID
	}
	return fmt.Sprintf("[Task] %s\nstatus: %s\n\n%s", title, status, truncate(output, resultPreviewChars))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
