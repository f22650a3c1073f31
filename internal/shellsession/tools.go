package shellsession

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/wangenius/shipmyagent/internal/telemetry"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// ExecCommandTool starts a new paginated shell session.
type ExecCommandTool struct {
	registry   *Registry
	workdir    string
	serverHost string
	serverPort string
}

// NewExecCommandTool binds the exec_command tool to a registry and a
// default working directory (used when the call omits workdir). serverHost
// and serverPort are propagated to every spawned child as SMA_SERVER_HOST/
// SMA_SERVER_PORT so nested `sma` invocations can reach this process's API.
func NewExecCommandTool(registry *Registry, workdir, serverHost, serverPort string) *ExecCommandTool {
	return &ExecCommandTool{registry: registry, workdir: workdir, serverHost: serverHost, serverPort: serverPort}
}

// childEnv builds the spawned shell's environment: the parent process's own
// environment, plus SMA_SERVER_HOST/SMA_SERVER_PORT, plus SMA_CTX_* derived
// from ctx's RequestContext (absent when Execute is called with no
// RequestContext attached, e.g. some tests).
func (t *ExecCommandTool) childEnv(ctx context.Context) []string {
	env := os.Environ()
	env = append(env, "SMA_SERVER_HOST="+t.serverHost, "SMA_SERVER_PORT="+t.serverPort)

	rc, ok := telemetry.RequestContextFrom(ctx)
	if !ok {
		return env
	}
	return append(env,
		"SMA_CTX_REQUEST_ID="+rc.RequestID,
		"SMA_CTX_CONTEXT_ID="+rc.ContextID,
		"SMA_CTX_CHANNEL="+rc.Channel,
		"SMA_CTX_TARGET_ID="+rc.TargetID,
		"SMA_CTX_ACTOR_ID="+rc.ActorID,
		"SMA_CTX_MESSAGE_ID="+rc.MessageID,
		"SMA_CTX_THREAD_ID="+rc.ThreadID,
	)
}

func (t *ExecCommandTool) Name() string { return "exec_command" }
func (t *ExecCommandTool) Description() string {
	return "Start a shell command in a paginated, stateful session and return its first page of output."
}
func (t *ExecCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cmd":              map[string]interface{}{"type": "string", "description": "the shell command to run"},
			"workdir":          map[string]interface{}{"type": "string"},
			"shell":            map[string]interface{}{"type": "string", "description": "shell binary, default sh"},
			"login":            map[string]interface{}{"type": "boolean", "description": "run as a login shell, default true"},
			"yield_ms":         map[string]interface{}{"type": "integer", "description": "default 10000"},
			"max_output_tokens": map[string]interface{}{"type": "integer"},
		},
		"required": []string{"cmd"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	cmd, _ := args["cmd"].(string)
	if cmd == "" {
		return protocol.ToolErr("cmd is required")
	}

	workdir, _ := args["workdir"].(string)
	if workdir == "" {
		workdir = t.workdir
	}
	shell, _ := args["shell"].(string)
	login := true
	if v, ok := args["login"].(bool); ok {
		login = v
	}

	page, err := t.registry.Start(StartOptions{
		Command:        cmd,
		Workdir:        workdir,
		Shell:          shell,
		Login:          login,
		YieldMs:        intArg(args, "yield_ms", defaultExecYieldMs),
		MaxOutputChars: maxOutputCharsFromTokens(args),
		Env:            t.childEnv(ctx),
	})
	if err != nil {
		return protocol.ToolErr(err.Error())
	}
	return protocol.ToolOK(formatPage(page))
}

// WriteStdinTool writes to (or polls) an existing session.
type WriteStdinTool struct {
	registry *Registry
}

func NewWriteStdinTool(registry *Registry) *WriteStdinTool {
	return &WriteStdinTool{registry: registry}
}

func (t *WriteStdinTool) Name() string { return "write_stdin" }
func (t *WriteStdinTool) Description() string {
	return "Write to a shell session's stdin (empty chars polls) and return the next page of output."
}
func (t *WriteStdinTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id":        map[string]interface{}{"type": "string"},
			"chars":             map[string]interface{}{"type": "string", "description": "defaults to empty (poll)"},
			"yield_ms":          map[string]interface{}{"type": "integer", "description": "default 250"},
			"max_output_tokens": map[string]interface{}{"type": "integer"},
		},
		"required": []string{"session_id"},
	}
}

func (t *WriteStdinTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return protocol.ToolErr("session_id is required")
	}
	chars, _ := args["chars"].(string)

	page, err := t.registry.Write(WriteOptions{
		SessionID:      sessionID,
		Chars:          chars,
		YieldMs:        intArg(args, "yield_ms", defaultWriteYieldMs),
		MaxOutputChars: maxOutputCharsFromTokens(args),
	})
	if err != nil {
		return protocol.ToolErr(err.Error())
	}
	return protocol.ToolOK(formatPage(page))
}

// CloseSessionTool terminates and forgets a session.
type CloseSessionTool struct {
	registry *Registry
}

func NewCloseSessionTool(registry *Registry) *CloseSessionTool {
	return &CloseSessionTool{registry: registry}
}

func (t *CloseSessionTool) Name() string        { return "close_session" }
func (t *CloseSessionTool) Description() string { return "Terminate a shell session." }
func (t *CloseSessionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string"},
			"force":      map[string]interface{}{"type": "boolean", "description": "SIGKILL instead of SIGTERM"},
		},
		"required": []string{"session_id"},
	}
}

func (t *CloseSessionTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return protocol.ToolErr("session_id is required")
	}
	force, _ := args["force"].(bool)
	if err := t.registry.Close(sessionID, force); err != nil {
		return protocol.ToolErr(err.Error())
	}
	return protocol.ToolOK(fmt.Sprintf("session %s closed", sessionID))
}

func formatPage(p Page) string {
	var sb strings.Builder
	sb.WriteString(p.Output)
	var notes []string
	if p.HasMoreOutput {
		notes = append(notes, fmt.Sprintf("has_more_output=true session_id=%s", p.SessionID))
	} else if !p.Exited {
		notes = append(notes, fmt.Sprintf("session_id=%s", p.SessionID))
	}
	if p.Exited {
		notes = append(notes, fmt.Sprintf("process exited with code %d", p.ExitCode))
	}
	if p.DroppedCharCount > 0 {
		notes = append(notes, fmt.Sprintf("dropped %d chars of overflowed output", p.DroppedCharCount))
	}
	if len(notes) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[" + strings.Join(notes, "; ") + "]")
	}
	return sb.String()
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func maxOutputCharsFromTokens(args map[string]interface{}) int {
	tokens := intArg(args, "max_output_tokens", 0)
	if tokens <= 0 {
		return defaultMaxOutputChars
	}
	if byTokens := tokens * 4; byTokens < defaultMaxOutputChars {
		return byTokens
	}
	return defaultMaxOutputChars
}
