// internal/display/driver.go
package display

import (
	"context"
	"errors"
	"time"

	"github.com/sightglass-sh/sightglass/api/schemas"
)

// ErrNoSurface is returned when an operation needs an attached page and none
// exists.
var ErrNoSurface = errors.New("no browser surface attached")

// Driver abstracts the shared viewport. The production implementation drives
// a Chromium instance over CDP; tests substitute a fake. Every method takes a
// context and is bounded internally so a wedged renderer cannot hang a
// caller forever.
type Driver interface {
	// Capture returns the current viewport as an encoded image.
	Capture(ctx context.Context) ([]byte, error)

	// ClickAt presses and releases a physical mouse button at a viewport
	// coordinate.
	ClickAt(ctx context.Context, x, y float64, button schemas.MouseButton) error

	// DoubleClickAt issues a double-click gesture at a viewport coordinate.
	DoubleClickAt(ctx context.Context, x, y float64) error

	// ScrollAt applies a wheel delta at a viewport coordinate.
	ScrollAt(ctx context.Context, x, y, deltaX, deltaY float64) error

	// KeyChord presses the keys in order and releases them in reverse. A
	// single key is a plain press.
	KeyChord(ctx context.Context, keys []string) error

	// TypeText injects text character by character with a per-character
	// delay.
	TypeText(ctx context.Context, text string) error

	// Navigate loads a URL in the active surface.
	Navigate(ctx context.Context, url string) error

	// NavigateBack and NavigateForward move through the surface's history.
	NavigateBack(ctx context.Context) error
	NavigateForward(ctx context.Context) error

	// CurrentURL returns the active surface's location.
	CurrentURL(ctx context.Context) (string, error)

	// Surfaces returns the ids of all attached page surfaces, oldest first.
	Surfaces(ctx context.Context) ([]string, error)

	// SwitchToNewestSurface attaches to the most recently opened surface and
	// reports whether the active surface changed. Older surfaces stay open.
	SwitchToNewestSurface(ctx context.Context) (bool, error)

	// WaitForSettled blocks until the active document reports itself loaded
	// or the timeout elapses. A timeout is returned as an error; callers on
	// a best-effort path ignore it.
	WaitForSettled(ctx context.Context, timeout time.Duration) error

	// Close tears down the browser.
	Close() error
}
