// api/schemas/schemas.go
package schemas

import "time"

// Mode identifies which controller currently owns the shared viewport.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeHuman Mode = "human"
	ModeAgent Mode = "agent"
)

// MouseButton enumerates the buttons the decision service may name in a click
// instruction. Back, Forward and Wheel are virtual buttons: they map to
// history navigation and a scroll gesture rather than a physical click.
type MouseButton string

const (
	ButtonLeft    MouseButton = "left"
	ButtonRight   MouseButton = "right"
	ButtonMiddle  MouseButton = "middle"
	ButtonBack    MouseButton = "back"
	ButtonForward MouseButton = "forward"
	ButtonWheel   MouseButton = "wheel"
)

// IsPhysical reports whether the button maps to an actual pointer click.
func (b MouseButton) IsPhysical() bool {
	switch b {
	case ButtonLeft, ButtonRight, ButtonMiddle, "":
		return true
	}
	return false
}

// HistoryEntry records one executed action. Entries are append-only and never
// mutated; the shared state evicts the oldest beyond its configured capacity.
type HistoryEntry struct {
	Kind      string    `json:"type"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode"`
}

// StatusReport is the snapshot returned by the status endpoints.
type StatusReport struct {
	Mode           Mode   `json:"mode"`
	AgentRunning   bool   `json:"agent_running"`
	Task           string `json:"task,omitempty"`
	IterationCount int    `json:"iteration_count"`
	HistoryLength  int    `json:"history_length"`
	CurrentURL     string `json:"current_url,omitempty"`
}

// Run outcome values carried in the payload of terminal status events. The
// mode always reverts to idle; only the payload distinguishes how a run ended.
const (
	RunStarting  = "starting"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunError     = "error"
)
