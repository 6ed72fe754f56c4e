// api/schemas/actions.go
package schemas

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Instruction is one abstract action the decision service asks the loop to
// execute. The set of variants is closed: every kind the wire protocol can
// carry has its own type holding only the fields that kind needs, and unknown
// kinds decode to Unrecognized instead of failing.
//
// Implementations live in this file; the interface is sealed.
type Instruction interface {
	Kind() string
	isInstruction()
}

// Click presses a mouse button at a viewport coordinate. The virtual buttons
// back, forward and wheel are classified by the translator, not here.
type Click struct {
	X      float64
	Y      float64
	Button MouseButton
}

// DoubleClick issues a double-click gesture at a viewport coordinate.
type DoubleClick struct {
	X float64
	Y float64
}

// Scroll moves the pointer to a coordinate and applies a smooth scroll delta.
type Scroll struct {
	X       float64
	Y       float64
	ScrollX float64
	ScrollY float64
}

// Keypress presses one key, or holds a chord down in listed order and
// releases in reverse order.
type Keypress struct {
	Keys []string
}

// TypeText injects text character by character with natural pacing.
type TypeText struct {
	Text string
}

// Wait is a pure delay with no device operation.
type Wait struct {
	Milliseconds int
}

// Screenshot is a device-level no-op; it exists so the decision service can
// explicitly request a fresh frame.
type Screenshot struct{}

// Unrecognized carries the raw kind string of an instruction this build does
// not understand. It is logged and recorded in history but never executed.
type Unrecognized struct {
	RawKind string
}

func (Click) Kind() string        { return "click" }
func (DoubleClick) Kind() string  { return "double_click" }
func (Scroll) Kind() string       { return "scroll" }
func (Keypress) Kind() string     { return "keypress" }
func (TypeText) Kind() string     { return "type" }
func (Wait) Kind() string         { return "wait" }
func (Screenshot) Kind() string   { return "screenshot" }
func (u Unrecognized) Kind() string { return u.RawKind }

func (Click) isInstruction()        {}
func (DoubleClick) isInstruction()  {}
func (Scroll) isInstruction()       {}
func (Keypress) isInstruction()     {}
func (TypeText) isInstruction()     {}
func (Wait) isInstruction()         {}
func (Screenshot) isInstruction()   {}
func (Unrecognized) isInstruction() {}

// wireAction is the loosely-typed shape instructions arrive in, both from the
// decision service and from human clients on the websocket.
type wireAction struct {
	Type    string      `json:"type"`
	X       float64     `json:"x"`
	Y       float64     `json:"y"`
	Button  MouseButton `json:"button"`
	ScrollX float64     `json:"scroll_x"`
	ScrollY float64     `json:"scroll_y"`
	Keys    []string    `json:"keys"`
	Text    string      `json:"text"`
	Ms      int         `json:"ms"`
}

// DecodeInstruction parses a raw wire action into its closed variant. Unknown
// kinds never produce an error: they decode to Unrecognized so one malformed
// instruction cannot abort an otherwise progressing run.
func DecodeInstruction(raw []byte) (Instruction, error) {
	var w wireAction
	if err := wireJSON.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("malformed action payload: %w", err)
	}
	return instructionFromWire(w), nil
}

func instructionFromWire(w wireAction) Instruction {
	switch w.Type {
	case "click":
		btn := w.Button
		if btn == "" {
			btn = ButtonLeft
		}
		return Click{X: w.X, Y: w.Y, Button: btn}
	case "double_click":
		return DoubleClick{X: w.X, Y: w.Y}
	case "scroll":
		return Scroll{X: w.X, Y: w.Y, ScrollX: w.ScrollX, ScrollY: w.ScrollY}
	case "keypress":
		return Keypress{Keys: w.Keys}
	case "type":
		return TypeText{Text: w.Text}
	case "wait":
		ms := w.Ms
		if ms <= 0 {
			ms = 1000
		}
		return Wait{Milliseconds: ms}
	case "screenshot":
		return Screenshot{}
	default:
		return Unrecognized{RawKind: w.Type}
	}
}
