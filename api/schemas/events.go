// api/schemas/events.go
package schemas

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// EventType tags the messages fanned out to observers on the live stream.
// The names match the wire protocol the frontend speaks.
type EventType string

const (
	EventFrame   EventType = "screenshot"
	EventStatus  EventType = "ai_status"
	EventAction  EventType = "ai_action"
	EventMessage EventType = "ai_message"
	EventState   EventType = "state"
	EventPong    EventType = "pong"
)

// Event is the single envelope for everything broadcast to observers. Fields
// are populated per type; unused ones are omitted from the wire form.
type Event struct {
	Type      EventType `json:"type"`
	Image     string    `json:"image,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	URL       string    `json:"url,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Timestamp float64   `json:"timestamp,omitempty"`

	Status    string `json:"status,omitempty"`
	Task      string `json:"task,omitempty"`
	Message   string `json:"message,omitempty"`
	Action    string `json:"action,omitempty"`
	Iteration int    `json:"iteration,omitempty"`

	AgentRunning bool `json:"agent_running,omitempty"`
	Connections  int  `json:"connections,omitempty"`
}

var eventJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode marshals the event for the wire. Encoding an Event cannot fail in
// practice; a nil slice is returned only if jsoniter does.
func (e Event) Encode() ([]byte, error) {
	return eventJSON.Marshal(e)
}

// NewFrameEvent wraps one captured frame for broadcast. The image is already
// base64-encoded by the caller so the encoding cost is paid once per capture,
// not per observer.
func NewFrameEvent(imageB64 string, width, height int, url string, mode Mode) Event {
	return Event{
		Type:      EventFrame,
		Image:     imageB64,
		Width:     width,
		Height:    height,
		URL:       url,
		Mode:      mode,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// NewStatusEvent reports a control-state transition (run starting, terminal
// outcome) to observers.
func NewStatusEvent(status, task, message string) Event {
	return Event{Type: EventStatus, Status: status, Task: task, Message: message}
}

// NewActionEvent announces the instruction kind the loop is about to execute.
func NewActionEvent(kind string, iteration int) Event {
	return Event{Type: EventAction, Action: kind, Iteration: iteration}
}

// NewMessageEvent relays assistant text produced alongside an instruction.
func NewMessageEvent(message string, iteration int) Event {
	return Event{Type: EventMessage, Message: message, Iteration: iteration}
}
