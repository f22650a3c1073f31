package agentturn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Repeat thresholds for toolLoopState.detect. A call only counts as
// "stale" once its arguments AND its result are identical to the previous
// occurrence — a tool legitimately called the same way several times in a
// row (e.g. paging through results) keeps returning something new and never
// trips this.
const (
	loopWarnThreshold     = 2
	loopCriticalThreshold = 4
)

// toolLoopState detects a turn stuck repeatedly calling the same tool with
// the same arguments and getting the same result back. One instance is
// scoped to a single runOnce attempt.
type toolLoopState struct {
	calls   map[string]int
	results map[string]string
	stale   map[string]int
}

// record registers one call to name with args and returns a stable hash
// identifying that (name, args) pair across the turn.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	if s.calls == nil {
		s.calls = make(map[string]int)
		s.results = make(map[string]string)
		s.stale = make(map[string]int)
	}
	hash := toolCallHash(name, args)
	s.calls[hash]++
	return hash
}

// recordResult notes argsHash's outcome, bumping its staleness streak when
// the result text is unchanged from last time and resetting it otherwise.
func (s *toolLoopState) recordResult(argsHash, resultText string) {
	if prev, ok := s.results[argsHash]; ok && prev == resultText {
		s.stale[argsHash]++
	} else {
		s.stale[argsHash] = 0
	}
	s.results[argsHash] = resultText
}

// detect reports whether argsHash's staleness streak has crossed a warning
// or critical threshold. A warning returns a corrective message meant to be
// appended to the conversation as a user-role nudge; critical signals the
// caller should abort the turn instead.
func (s *toolLoopState) detect(name, argsHash string) (level, msg string) {
	switch {
	case s.stale[argsHash] >= loopCriticalThreshold:
		return "critical", fmt.Sprintf("tool %q has been called %d times in a row with identical arguments and an identical result", name, s.calls[argsHash])
	case s.stale[argsHash] >= loopWarnThreshold:
		return "warning", fmt.Sprintf("you've called %q repeatedly with the same arguments and gotten the same result every time — try a different tool or a different approach instead of repeating this call", name)
	default:
		return "", ""
	}
}

// toolCallHash derives a stable identity for a tool call from its name and
// arguments so repeats can be recognized regardless of map key ordering.
func toolCallHash(name string, args map[string]interface{}) string {
	argsJSON, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(name+"\x00"), argsJSON...))
	return hex.EncodeToString(sum[:])
}
