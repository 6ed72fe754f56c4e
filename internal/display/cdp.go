// internal/display/cdp.go
package display

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/config"
)

// chordHoldDelay is how long a multi-key chord is held down before release.
const chordHoldDelay = 100 * time.Millisecond

// CDP drives a Chromium instance over the DevTools protocol. It owns one
// allocator, attaches to one page surface at a time and leaves earlier
// surfaces open when it follows a newly spawned one.
type CDP struct {
	cfg    config.DisplayConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	// mu guards active, activeCancel and seen. The capture loop, the agent
	// loop and the HTTP handlers all hold the same driver, and the agent loop
	// swaps the active surface while the others are mid-operation.
	mu sync.Mutex

	// active is the context bound to the surface currently under control.
	active       context.Context
	activeCancel context.CancelFunc

	// seen records surface ids in the order they were first observed, so the
	// newest surface is simply the last one.
	seen []target.ID
}

var _ Driver = (*CDP)(nil)

// NewCDP launches the browser, attaches to its first surface and navigates
// to the configured start URL.
func NewCDP(ctx context.Context, cfg config.DisplayConfig, logger *zap.Logger) (*CDP, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(cfg.Width, cfg.Height),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-extensions", true),
	)
	for _, arg := range cfg.Args {
		name, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)

	c := &CDP{
		cfg:         cfg,
		logger:      logger.Named("display"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		active:      rootCtx,
	}

	// Starting the browser and loading the first page share one generous
	// timeout; everything after uses the per-operation bound.
	startCtx, cancel := context.WithTimeout(rootCtx, 60*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx,
		chromedp.EmulateViewport(int64(cfg.Width), int64(cfg.Height)),
		chromedp.Navigate(cfg.StartURL),
	); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	if _, err := c.Surfaces(ctx); err != nil {
		c.logger.Warn("Could not enumerate initial surfaces.", zap.Error(err))
	}
	c.logger.Info("Browser launched.",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Bool("headless", cfg.Headless),
		zap.String("start_url", cfg.StartURL))
	return c, nil
}

// run executes actions against the active surface under the per-operation
// timeout.
func (c *CDP) run(ctx context.Context, actions ...chromedp.Action) error {
	timeout := c.cfg.OpTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	merged, release := c.withActive(opCtx)
	defer release()
	err := chromedp.Run(merged, actions...)
	if err != nil && opCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("display operation timed out after %v: %w", timeout, context.DeadlineExceeded)
	}
	return err
}

// withActive derives a context from the active surface that is also
// cancelled when the caller's ctx ends. chromedp actions must run on the
// surface's context; the caller's ctx only contributes cancellation and
// deadline. The operation keeps the surface it snapshotted even if a switch
// lands mid-flight.
func (c *CDP) withActive(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(c.activeSurface())
	stop := context.AfterFunc(ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func (c *CDP) activeSurface() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// adoptSurface publishes next as the active surface and detaches the handle
// to the previous one without closing its page.
func (c *CDP) adoptSurface(next context.Context, cancel context.CancelFunc) {
	c.mu.Lock()
	old := c.activeCancel
	c.active = next
	c.activeCancel = cancel
	c.mu.Unlock()
	if old != nil {
		old()
	}
}

// Capture screenshots the active surface.
func (c *CDP) Capture(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// ClickAt presses and releases a physical button at the coordinate.
func (c *CDP) ClickAt(ctx context.Context, x, y float64, button schemas.MouseButton) error {
	btn := input.MouseButton(button)
	if button == "" {
		btn = input.Left
	}
	press := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(btn).
		WithClickCount(1)
	release := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(btn).
		WithClickCount(1)
	if err := c.run(ctx, press, release); err != nil {
		return fmt.Errorf("click at (%.0f, %.0f) failed: %w", x, y, err)
	}
	return nil
}

// DoubleClickAt issues two left clicks with an increasing click count.
func (c *CDP) DoubleClickAt(ctx context.Context, x, y float64) error {
	actions := make([]chromedp.Action, 0, 4)
	for count := int64(1); count <= 2; count++ {
		actions = append(actions,
			input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(count),
			input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(count),
		)
	}
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("double click at (%.0f, %.0f) failed: %w", x, y, err)
	}
	return nil
}

// ScrollAt applies a wheel delta at the coordinate.
func (c *CDP) ScrollAt(ctx context.Context, x, y, deltaX, deltaY float64) error {
	wheel := input.DispatchMouseEvent(input.MouseWheel, x, y).
		WithDeltaX(deltaX).
		WithDeltaY(deltaY)
	if err := c.run(ctx, wheel); err != nil {
		return fmt.Errorf("scroll at (%.0f, %.0f) failed: %w", x, y, err)
	}
	return nil
}

// KeyChord presses the keys in listed order and releases them in reverse.
// Single keys are a plain down/up pair; multi-key chords are held briefly
// before release so the page sees the combination.
func (c *CDP) KeyChord(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	canonical := make([]string, len(keys))
	for i, k := range keys {
		canonical[i] = CanonicalKey(k)
	}

	actions := make([]chromedp.Action, 0, len(canonical)*2+1)
	var mask input.Modifier
	for _, key := range canonical {
		actions = append(actions, input.DispatchKeyEvent(input.KeyDown).
			WithModifiers(mask).
			WithKey(key))
		mask |= modifierBit(key)
	}
	if len(canonical) > 1 {
		actions = append(actions, chromedp.Sleep(chordHoldDelay))
	}
	for i := len(canonical) - 1; i >= 0; i-- {
		key := canonical[i]
		mask &^= modifierBit(key)
		actions = append(actions, input.DispatchKeyEvent(input.KeyUp).
			WithModifiers(mask).
			WithKey(key))
	}

	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("key chord %v failed: %w", keys, err)
	}
	return nil
}

func modifierBit(canonical string) input.Modifier {
	switch canonical {
	case "Control":
		return input.ModifierCtrl
	case "Alt":
		return input.ModifierAlt
	case "Shift":
		return input.ModifierShift
	case "Meta":
		return input.ModifierMeta
	}
	return 0
}

// TypeText injects the text one character at a time with the configured
// per-character delay, mimicking a human typing cadence.
func (c *CDP) TypeText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	delay := c.cfg.TypeDelay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}

	actions := make([]chromedp.Action, 0, len(text)*2)
	for _, r := range text {
		actions = append(actions, chromedp.KeyEvent(string(r)), chromedp.Sleep(delay))
	}

	// Long passages can exceed the per-operation bound at the configured
	// cadence, so size the timeout to the text.
	timeout := time.Duration(len([]rune(text)))*delay + 5*time.Second
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	merged, release := c.withActive(opCtx)
	defer release()
	if err := chromedp.Run(merged, actions...); err != nil {
		return fmt.Errorf("typing failed: %w", err)
	}
	return nil
}

// Navigate loads a URL in the active surface.
func (c *CDP) Navigate(ctx context.Context, url string) error {
	if err := c.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// NavigateBack moves one entry back in the surface history.
func (c *CDP) NavigateBack(ctx context.Context) error {
	if err := c.run(ctx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("history back failed: %w", err)
	}
	return nil
}

// NavigateForward moves one entry forward in the surface history.
func (c *CDP) NavigateForward(ctx context.Context) error {
	if err := c.run(ctx, chromedp.NavigateForward()); err != nil {
		return fmt.Errorf("history forward failed: %w", err)
	}
	return nil
}

// CurrentURL returns the active surface's location.
func (c *CDP) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("could not read location: %w", err)
	}
	return url, nil
}

// Surfaces lists attached page surfaces oldest first. Newly observed ids are
// appended to the order book so the newest surface is always last.
func (c *CDP) Surfaces(ctx context.Context) ([]string, error) {
	infos, err := chromedp.Targets(c.activeSurface())
	if err != nil {
		return nil, fmt.Errorf("could not list surfaces: %w", err)
	}
	return c.recordSurfaces(infos), nil
}

// recordSurfaces merges a fresh target listing into the order book and
// returns the live surfaces oldest first.
func (c *CDP) recordSurfaces(infos []*target.Info) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		live[info.TargetID] = true
		known := false
		for _, id := range c.seen {
			if id == info.TargetID {
				known = true
				break
			}
		}
		if !known {
			c.seen = append(c.seen, info.TargetID)
		}
	}

	// Drop closed surfaces from the order book.
	kept := c.seen[:0]
	out := make([]string, 0, len(c.seen))
	for _, id := range c.seen {
		if live[id] {
			kept = append(kept, id)
			out = append(out, string(id))
		}
	}
	c.seen = kept
	return out
}

// SwitchToNewestSurface attaches to the most recently opened surface, if it
// is not already the active one. The previous surface stays open; control
// simply follows the newest page, the way a popup or target=_blank link
// takes over a user's attention.
func (c *CDP) SwitchToNewestSurface(ctx context.Context) (bool, error) {
	if _, err := c.Surfaces(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	var newest target.ID
	if n := len(c.seen); n > 0 {
		newest = c.seen[n-1]
	}
	active := c.active
	c.mu.Unlock()
	if newest == "" {
		return false, ErrNoSurface
	}

	current := chromedp.FromContext(active)
	if current != nil && current.Target != nil && current.Target.TargetID == newest {
		return false, nil
	}

	next, cancel := chromedp.NewContext(c.rootCtx, chromedp.WithTargetID(newest))
	if err := chromedp.Run(next); err != nil {
		cancel()
		return false, fmt.Errorf("could not attach to surface %s: %w", newest, err)
	}

	c.adoptSurface(next, cancel)
	c.logger.Info("Switched to newest surface.", zap.String("surface_id", string(newest)))
	return true, nil
}

// WaitForSettled polls the active document's readiness until it reports
// interactive or complete, or the timeout elapses. The timeout surfaces as
// context.DeadlineExceeded; best-effort callers ignore it.
func (c *CDP) WaitForSettled(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	merged, release := c.withActive(opCtx)
	defer release()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		var readyState string
		err := chromedp.Run(merged,
			chromedp.Evaluate("document.readyState", &readyState))
		if err == nil && (readyState == "interactive" || readyState == "complete") {
			return nil
		}
		select {
		case <-opCtx.Done():
			return fmt.Errorf("document did not settle within %v: %w", timeout, opCtx.Err())
		case <-ticker.C:
		}
	}
}

// Close tears the browser down. Safe to call more than once.
func (c *CDP) Close() error {
	c.mu.Lock()
	activeCancel := c.activeCancel
	c.activeCancel = nil
	c.mu.Unlock()
	if activeCancel != nil {
		activeCancel()
	}
	if c.rootCancel != nil {
		c.rootCancel()
		c.rootCancel = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
	return nil
}
