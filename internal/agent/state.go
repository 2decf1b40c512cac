package agent

import (
	"strings"
	"sync"
)

const defaultTailLines = 60

// IterationState is the mutable state shared between one invocation's
// monitors and the supervisor. Monitors own all writes while the child
// is live; the supervisor reads only after the monitors are joined.
type IterationState struct {
	mu           sync.Mutex
	tokens       int
	promiseFound bool
	promiseText  string
	sessionID    string
	usage        *Usage
	tail         []string
	tailMax      int
}

// NewIterationState creates state with the given recent-output tail
// capacity in lines.
func NewIterationState(tailLines int) *IterationState {
	if tailLines <= 0 {
		tailLines = defaultTailLines
	}
	return &IterationState{tailMax: tailLines}
}

// Reset clears all per-iteration fields. Must be called before the
// child for a new iteration is spawned.
func (s *IterationState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = 0
	s.promiseFound = false
	s.promiseText = ""
	s.sessionID = ""
	s.usage = nil
	s.tail = nil
}

// AddTokens increments the token count. Monotonic.
func (s *IterationState) AddTokens(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.tokens += n
	}
	return s.tokens
}

// SetTokens replaces the estimate with an authoritative count from the
// agent's result event. The count never decreases within an iteration.
func (s *IterationState) SetTokens(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.tokens {
		s.tokens = n
	}
	return s.tokens
}

// Tokens returns the current token count.
func (s *IterationState) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// MarkPromise latches the promise-found flag with the matched literal.
// Later calls never clear or overwrite an earlier match.
func (s *IterationState) MarkPromise(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promiseFound {
		return
	}
	s.promiseFound = true
	s.promiseText = text
}

// Promise returns the latched flag and the matched literal.
func (s *IterationState) Promise() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promiseFound, s.promiseText
}

// SetSessionID records the session identifier emitted by the agent. A
// later result event may override the id from init.
func (s *IterationState) SetSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// SessionID returns the recorded session identifier, if any.
func (s *IterationState) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetUsage records token totals from the agent's result event.
func (s *IterationState) SetUsage(usage Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = &usage
}

// Usage returns the recorded usage, or nil when the agent emitted none.
func (s *IterationState) Usage() *Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

// AppendTail adds a line to the bounded recent-output tail, dropping
// the oldest line when the cap is exceeded.
func (s *IterationState) AppendTail(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tail) >= s.tailMax {
		s.tail = s.tail[1:]
	}
	s.tail = append(s.tail, line)
}

// Tail returns the recent output joined by newlines. The tail is
// cross-stream: stdout and stderr lines interleave in arrival order.
func (s *IterationState) Tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.tail, "\n")
}
