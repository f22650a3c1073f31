// Package taskrunner implements TaskRunner: cron-scheduled execution of
// saved task definitions, each producing a full audit trail (input/output/
// result/error/run.json) and a notification back to its owning contextId.
package taskrunner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wangenius/shipmyagent/internal/pathlayout"
)

// TaskDefinition is one task.md's parsed frontmatter plus its body, which
// becomes the query for every AgentTurn the task triggers.
type TaskDefinition struct {
	TaskID      string `yaml:"-"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Cron        string `yaml:"cron"`
	Status      string `yaml:"status"`
	ContextID   string `yaml:"contextId"`
	Timezone    string `yaml:"timezone"`
	Body        string `yaml:"-"`
}

// StatusActive is the only status value the schedule loop fires for.
const StatusActive = "active"

// Active reports whether the schedule loop should consider this definition.
func (d TaskDefinition) Active() bool { return d.Status == StatusActive }

const frontmatterDelim = "---"

// loadDefinition parses one task.md file into a TaskDefinition.
func loadDefinition(path, taskID string) (TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskDefinition{}, err
	}

	frontmatter, body, err := splitFrontmatter(string(data))
	if err != nil {
		return TaskDefinition{}, fmt.Errorf("taskrunner: %s: %w", path, err)
	}

	var def TaskDefinition
	if err := yaml.Unmarshal([]byte(frontmatter), &def); err != nil {
		return TaskDefinition{}, fmt.Errorf("taskrunner: %s: parsing frontmatter: %w", path, err)
	}
	def.TaskID = taskID
	def.Body = strings.TrimSpace(body)
	if def.ContextID == "" {
		return TaskDefinition{}, fmt.Errorf("taskrunner: %s: missing required contextId", path)
	}
	if def.Cron == "" {
		return TaskDefinition{}, fmt.Errorf("taskrunner: %s: missing required cron expression", path)
	}
	return def, nil
}

// splitFrontmatter separates a "---\n...yaml...\n---\nbody" document into
// its two parts.
func splitFrontmatter(doc string) (frontmatter, body string, err error) {
	doc = strings.TrimLeft(doc, "﻿ \t\r\n")
	if !strings.HasPrefix(doc, frontmatterDelim) {
		return "", "", fmt.Errorf("missing opening %q delimiter", frontmatterDelim)
	}
	rest := doc[len(frontmatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx == -1 {
		return "", "", fmt.Errorf("missing closing %q delimiter", frontmatterDelim)
	}
	frontmatter = rest[:idx]
	after := rest[idx+len("\n"+frontmatterDelim):]
	after = strings.TrimPrefix(after, "\n")
	return frontmatter, after, nil
}

// loadAllDefinitions walks <root>/.ship/task/<taskId>/task.md for every task
// directory, skipping (and logging) any individual definition that fails to
// parse rather than failing the whole reload.
func loadAllDefinitions(layout pathlayout.Layout, onSkip func(taskID string, err error)) (map[string]TaskDefinition, error) {
	entries, err := os.ReadDir(layout.TaskDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]TaskDefinition{}, nil
		}
		return nil, err
	}

	defs := make(map[string]TaskDefinition, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		def, err := loadDefinition(layout.TaskDefinitionFile(taskID), taskID)
		if err != nil {
			if onSkip != nil {
				onSkip(taskID, err)
			}
			continue
		}
		defs[taskID] = def
	}
	return defs, nil
}
