package history

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fileLock implements a best-effort, single-process sentinel-file lock: an
// exclusive create of ".history.lock" holding a "pid:timestamp:nonce" token.
// A lock older than staleAfter is forcibly reclaimed; total wait time is
// bounded by waitCap.
//
// This is deliberately NOT an OS-level flock: cross-process safety on the
// same root is an explicit non-goal for now (see the Open Question decision
// recorded in DESIGN.md).
type fileLock struct {
	path string
}

const (
	lockStaleAfter = 30 * time.Second
	lockWaitCap    = 60 * time.Second
	lockPollEvery  = 50 * time.Millisecond
)

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// Acquire blocks until the lock is held, a stale lock is reclaimed, or
// lockWaitCap elapses. Returns the token that must be passed to Release.
func (l *fileLock) Acquire() (string, error) {
	token := fmt.Sprintf("%d:%d:%s", os.Getpid(), time.Now().UnixNano(), uuid.NewString())
	deadline := time.Now().Add(lockWaitCap)

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := f.WriteString(token); werr != nil {
				f.Close()
				os.Remove(l.path)
				return "", werr
			}
			f.Close()
			return token, nil
		}
		if !os.IsExist(err) {
			return "", err
		}

		if l.reclaimIfStale() {
			continue
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("history: lock timeout on %s after %s", l.path, lockWaitCap)
		}
		time.Sleep(lockPollEvery)
	}
}

// Release removes the lock file only if it still holds our token, so
// another process's (or goroutine's) freshly-acquired lock is never deleted.
func (l *fileLock) Release(token string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if string(data) == token {
		os.Remove(l.path)
	}
}

// reclaimIfStale removes the lock file if its embedded timestamp is older
// than lockStaleAfter, reporting whether it did so.
func (l *fileLock) reclaimIfStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(data), ":", 3)
	if len(parts) < 2 {
		return false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(0, nanos))
	if age <= lockStaleAfter {
		return false
	}
	_ = os.Remove(l.path)
	return true
}
