// internal/state/state.go
package state

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sightglass-sh/sightglass/api/schemas"
)

// ErrAgentAlreadyRunning is returned when an agent run is requested while the
// viewport is not idle.
var ErrAgentAlreadyRunning = errors.New("agent run already in progress")

// Shared is the single source of truth for who controls the viewport, what
// the agent is doing, the last captured frame and the bounded action history.
// One instance is constructed at startup and injected into every component.
//
// The frame cache is kept outside the mutex: SetFrame copies and then
// atomically publishes, so readers on the broadcast path never contend with
// control-state mutation.
type Shared struct {
	mu sync.Mutex

	mode           schemas.Mode
	task           string
	agentRunning   bool
	iterationCount int
	exchangeID     string
	lastHuman      time.Time

	history         []schemas.HistoryEntry
	historyCapacity int

	frame atomic.Pointer[[]byte]
}

// New returns an idle Shared with the given history capacity. A non-positive
// capacity falls back to a single-entry log rather than an unbounded one.
func New(historyCapacity int) *Shared {
	if historyCapacity <= 0 {
		historyCapacity = 1
	}
	return &Shared{
		mode:            schemas.ModeIdle,
		historyCapacity: historyCapacity,
	}
}

// Mode returns the current controller of the viewport.
func (s *Shared) Mode() schemas.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// AgentRunning reports whether an agent run is active. The loop checks this
// between iterations; RequestStop flips it to ask for a cooperative stop.
func (s *Shared) AgentRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentRunning
}

// Task returns the objective of the active run, or the empty string when
// none is active.
func (s *Shared) Task() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// Status snapshots the control state for the status endpoints. The current
// URL is filled in by the caller; it lives with the display, not here.
func (s *Shared) Status() schemas.StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schemas.StatusReport{
		Mode:           s.mode,
		AgentRunning:   s.agentRunning,
		Task:           s.task,
		IterationCount: s.iterationCount,
		HistoryLength:  len(s.history),
	}
}

// BeginAgentRun atomically claims the viewport for an agent run. It fails
// with ErrAgentAlreadyRunning if a run is active or the mode is already
// agent; a prior one-shot human action does not block a new run.
func (s *Shared) BeginAgentRun(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentRunning || s.mode == schemas.ModeAgent {
		return ErrAgentAlreadyRunning
	}
	s.mode = schemas.ModeAgent
	s.task = task
	s.agentRunning = true
	s.iterationCount = 0
	s.exchangeID = ""
	return nil
}

// EndAgentRun releases the viewport after a run ends for any reason. It is
// idempotent; the loop calls it from a defer so it runs on every exit path.
func (s *Shared) EndAgentRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRunning = false
	s.task = ""
	s.exchangeID = ""
	s.mode = schemas.ModeIdle
}

// RequestStop asks the active run to stop at its next iteration boundary and
// reports whether a run was active. It never blocks on the loop itself.
func (s *Shared) RequestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agentRunning {
		return false
	}
	s.agentRunning = false
	return true
}

// NextIteration advances the iteration counter and returns the new value.
func (s *Shared) NextIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterationCount++
	return s.iterationCount
}

// IterationCount returns the number of iterations the active run has used.
func (s *Shared) IterationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterationCount
}

// SetExchange records the id of the in-flight exchange. It refuses the write
// once the run flag is down, so a cancelled run's late round trip cannot
// repopulate state.
func (s *Shared) SetExchange(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agentRunning {
		return false
	}
	s.exchangeID = id
	return true
}

// ExchangeID returns the id of the current exchange, if any.
func (s *Shared) ExchangeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeID
}

// MarkHuman stamps human control of the viewport. Human actions are one-shot,
// so this does not block a later agent start.
func (s *Shared) MarkHuman() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agentRunning {
		s.mode = schemas.ModeHuman
	}
	s.lastHuman = time.Now()
}

// LastHuman returns the time of the most recent human action.
func (s *Shared) LastHuman() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHuman
}

// SetFrame publishes a captured frame. The bytes are copied before the
// pointer swap so callers may reuse their buffer.
func (s *Shared) SetFrame(img []byte) {
	if len(img) == 0 {
		return
	}
	cp := make([]byte, len(img))
	copy(cp, img)
	s.frame.Store(&cp)
}

// LastFrame returns the most recently published frame, or nil if none has
// been captured yet. The returned slice must not be mutated.
func (s *Shared) LastFrame() []byte {
	p := s.frame.Load()
	if p == nil {
		return nil
	}
	return *p
}

// AppendHistory records one executed action, evicting the oldest entry once
// the configured capacity is reached.
func (s *Shared) AppendHistory(entry schemas.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.history = append(s.history, entry)
	if len(s.history) > s.historyCapacity {
		over := len(s.history) - s.historyCapacity
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// Recent returns up to limit of the most recent history entries, oldest
// first. A non-positive limit returns everything retained.
func (s *Shared) Recent(limit int) []schemas.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]schemas.HistoryEntry, limit)
	copy(out, s.history[n-limit:])
	return out
}

// ClearHistory drops every retained entry and returns how many were dropped.
func (s *Shared) ClearHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	s.history = nil
	return n
}
