package shellsession

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxActiveExecSessions = 64
	defaultMaxOutputChars = 12_000
	defaultMaxOutputLines = 200
	defaultExecYieldMs    = 10_000
	defaultWriteYieldMs   = 250
	minPollYieldMs        = 5_000
	idleGCAfter           = 10 * time.Minute
)

// Page is one paginated slice of a session's output.
type Page struct {
	SessionID        string
	Output           string
	HasMoreOutput    bool
	Exited           bool
	ExitCode         int
	DroppedCharCount int
}

// Registry owns every live shell session in the process. Its map is guarded
// by a mutex; session buffers are only ever mutated from a session's reader
// goroutine or a consumer call, both serialized through the session's own
// mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// StartOptions configures exec_command.
type StartOptions struct {
	Command        string
	Workdir        string
	Shell          string // shell binary, default "sh"
	Login          bool
	YieldMs        int
	MaxOutputChars int
	MaxOutputLines int
	Env            []string
}

// Start launches a new session, waits up to YieldMs (plus coalescing) for
// initial output, and returns the first page.
func (r *Registry) Start(opts StartOptions) (Page, error) {
	if d := checkDenied(opts.Command); d != nil {
		return Page{}, fmt.Errorf("command denied by safety policy: matches pattern %s", d.String())
	}

	if err := r.admit(); err != nil {
		return Page{}, err
	}

	shellBin := opts.Shell
	if shellBin == "" {
		shellBin = "sh"
	}
	args := []string{}
	if opts.Login {
		args = append(args, "-l")
	}
	args = append(args, "-c", opts.Command)

	cmd := exec.Command(shellBin, args...)
	cmd.Dir = opts.Workdir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Page{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Page{}, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Page{}, err
	}

	if err := cmd.Start(); err != nil {
		return Page{}, fmt.Errorf("start command: %w", err)
	}

	id := uuid.NewString()
	sess := newSession(id, opts.Command, opts.Workdir, cmd, stdin)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(stdout, sess, &wg)
	go pump(stderr, sess, &wg)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		code := exitCodeOf(err)
		sess.markExited(code, err)
	}()

	return r.page(sess, opts.YieldMs, opts.MaxOutputChars, opts.MaxOutputLines), nil
}

// WriteOptions configures write_stdin.
type WriteOptions struct {
	SessionID      string
	Chars          string
	YieldMs        int
	MaxOutputChars int
	MaxOutputLines int
}

// Write sends Chars to the session's stdin (an empty string is a pure poll),
// then returns the next page. An empty-write poll is clamped to a minimum
// yield to avoid hot-looping callers.
func (r *Registry) Write(opts WriteOptions) (Page, error) {
	sess, ok := r.get(opts.SessionID)
	if !ok {
		return Page{}, fmt.Errorf("unknown session %q", opts.SessionID)
	}

	yieldMs := opts.YieldMs
	if opts.Chars == "" && yieldMs < minPollYieldMs {
		yieldMs = minPollYieldMs
	}

	if err := sess.writeStdin(opts.Chars); err != nil {
		return Page{}, fmt.Errorf("write stdin: %w", err)
	}

	return r.page(sess, yieldMs, opts.MaxOutputChars, opts.MaxOutputLines), nil
}

// Close terminates a session and removes it from the registry.
func (r *Registry) Close(sessionID string, force bool) error {
	sess, ok := r.get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	err := sess.close(force)

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	return err
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// page waits for output, then slices one page off the session's buffer.
func (r *Registry) page(sess *Session, yieldMs, maxOutputChars, maxOutputLines int) Page {
	if yieldMs <= 0 {
		yieldMs = defaultExecYieldMs
	}
	maxChars := maxOutputChars
	if maxChars <= 0 {
		maxChars = defaultMaxOutputChars
	}
	maxLines := maxOutputLines
	if maxLines <= 0 {
		maxLines = defaultMaxOutputLines
	}

	// No external cancellation surface at this layer; the tool layer is
	// expected to bound total turn time itself. A channel that is never
	// closed simply means waitForSignal's own yieldMs deadline governs.
	never := make(chan struct{})
	sess.waitForSignal(never, yieldMs)

	output, hasMore, dropped := sess.takePage(maxChars, maxLines)
	_, _, exited, exitCode, _ := sess.snapshot()

	if !exited && !hasMore {
		r.gc()
	}

	return Page{
		SessionID:        sess.ID,
		Output:           output,
		HasMoreOutput:    hasMore,
		Exited:           exited,
		ExitCode:         exitCode,
		DroppedCharCount: dropped,
	}
}

// admit enforces maxActiveExecSessions, garbage-collecting exited/drained
// sessions first before rejecting a new start.
func (r *Registry) admit() error {
	r.gc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= maxActiveExecSessions {
		return fmt.Errorf("too many active shell sessions (limit %d)", maxActiveExecSessions)
	}
	return nil
}

// gc removes sessions that have exited and fully drained their buffer, or
// that have sat idle past idleGCAfter.
func (r *Registry) gc() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		pendingLen, _, exited, _, lastActive := sess.snapshot()
		if exited && pendingLen == 0 {
			delete(r.sessions, id)
			continue
		}
		if time.Since(lastActive) > idleGCAfter {
			_ = sess.close(true)
			delete(r.sessions, id)
		}
	}
}

// Count reports how many sessions are currently tracked (tests / status endpoints).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func pump(r io.Reader, sess *Session, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := bufio.NewReaderSize(r, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := buf.Read(chunk)
		if n > 0 {
			sess.appendOutput(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
