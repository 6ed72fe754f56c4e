// internal/display/keymap.go
package display

import "strings"

// keyAliases maps the loose key names arriving on the wire to the canonical
// DOM key values CDP expects. Names not listed pass through unchanged, so
// already-canonical values like "Enter" or plain characters work as-is.
var keyAliases = map[string]string{
	"/":          "Slash",
	"\\":         "Backslash",
	"alt":        "Alt",
	"option":     "Alt",
	"arrowdown":  "ArrowDown",
	"arrowleft":  "ArrowLeft",
	"arrowright": "ArrowRight",
	"arrowup":    "ArrowUp",
	"backspace":  "Backspace",
	"ctrl":       "Control",
	"delete":     "Delete",
	"enter":      "Enter",
	"esc":        "Escape",
	"shift":      "Shift",
	"space":      " ",
	"tab":        "Tab",
	"win":        "Meta",
	"cmd":        "Meta",
	"super":      "Meta",
}

// CanonicalKey resolves a wire key name to its DOM key value.
func CanonicalKey(name string) string {
	if mapped, ok := keyAliases[strings.ToLower(name)]; ok {
		return mapped
	}
	return name
}

// IsModifier reports whether the canonical key is a modifier. The websocket
// edge uses this to split printable keypresses from chords.
func IsModifier(canonical string) bool {
	switch canonical {
	case "Control", "Alt", "Shift", "Meta":
		return true
	}
	return false
}
