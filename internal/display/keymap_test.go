// internal/display/keymap_test.go
package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalKey(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"ctrl", "Control"},
		{"CTRL", "Control"},
		{"esc", "Escape"},
		{"space", " "},
		{"win", "Meta"},
		{"cmd", "Meta"},
		{"super", "Meta"},
		{"option", "Alt"},
		{"arrowdown", "ArrowDown"},
		{"/", "Slash"},
		{`\`, "Backslash"},
		// Already-canonical or unknown names pass through untouched.
		{"Enter", "Enter"},
		{"a", "a"},
		{"F5", "F5"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, CanonicalKey(tc.in), "CanonicalKey(%q)", tc.in)
	}
}

func TestIsModifier(t *testing.T) {
	for _, key := range []string{"Control", "Alt", "Shift", "Meta"} {
		assert.True(t, IsModifier(key), "%s should be a modifier", key)
	}
	for _, key := range []string{"Enter", "a", " ", "ArrowUp"} {
		assert.False(t, IsModifier(key), "%s should not be a modifier", key)
	}
}
