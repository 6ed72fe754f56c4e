// internal/actions/translator.go
package actions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/config"
	"github.com/sightglass-sh/sightglass/internal/display"
	"github.com/sightglass-sh/sightglass/internal/state"
)

// Translator turns abstract instructions into exactly one device operation
// each, applying coordinate clamping and the configured calibration offset
// on the way. Errors propagate to the caller untouched; retry policy lives
// with whoever issued the instruction.
type Translator struct {
	driver        display.Driver
	shared        *state.Shared
	logger        *zap.Logger
	width         float64
	height        float64
	offsetX       float64
	offsetY       float64
	settleTimeout time.Duration
}

// New builds a translator over the given driver and shared state.
func New(cfg config.DisplayConfig, settleTimeout time.Duration, driver display.Driver, shared *state.Shared, logger *zap.Logger) *Translator {
	return &Translator{
		driver:        driver,
		shared:        shared,
		logger:        logger.Named("actions"),
		width:         float64(cfg.Width),
		height:        float64(cfg.Height),
		offsetX:       cfg.OffsetX,
		offsetY:       cfg.OffsetY,
		settleTimeout: settleTimeout,
	}
}

// Clamp bounds a coordinate to the viewport and then applies the calibration
// offset, in that order. Clamping first means the offset can push a point
// past the nominal edge when calibration demands it; clamping is idempotent
// for any in-bounds input.
func (t *Translator) Clamp(x, y float64) (float64, float64) {
	x = min(max(x, 0), t.width)
	y = min(max(y, 0), t.height)
	return x + t.offsetX, y + t.offsetY
}

// Apply executes one instruction as one device operation and records it in
// history on success. Unrecognized instructions are logged and recorded but
// never fail the caller.
func (t *Translator) Apply(ctx context.Context, instr schemas.Instruction, mode schemas.Mode) error {
	if err := t.dispatch(ctx, instr); err != nil {
		return err
	}
	t.shared.AppendHistory(schemas.HistoryEntry{Kind: instr.Kind(), Mode: mode})
	return nil
}

func (t *Translator) dispatch(ctx context.Context, instr schemas.Instruction) error {
	switch a := instr.(type) {
	case schemas.Click:
		return t.applyClick(ctx, a)

	case schemas.DoubleClick:
		x, y := t.Clamp(a.X, a.Y)
		if err := t.driver.DoubleClickAt(ctx, x, y); err != nil {
			return fmt.Errorf("double click failed: %w", err)
		}
		return nil

	case schemas.Scroll:
		x, y := t.Clamp(a.X, a.Y)
		t.logger.Debug("Scrolling.",
			zap.Float64("x", x), zap.Float64("y", y),
			zap.Float64("delta_x", a.ScrollX), zap.Float64("delta_y", a.ScrollY))
		if err := t.driver.ScrollAt(ctx, x, y, a.ScrollX, a.ScrollY); err != nil {
			return fmt.Errorf("scroll failed: %w", err)
		}
		return nil

	case schemas.Keypress:
		if err := t.driver.KeyChord(ctx, a.Keys); err != nil {
			return fmt.Errorf("keypress failed: %w", err)
		}
		return nil

	case schemas.TypeText:
		if err := t.driver.TypeText(ctx, a.Text); err != nil {
			return fmt.Errorf("typing failed: %w", err)
		}
		return nil

	case schemas.Wait:
		select {
		case <-time.After(time.Duration(a.Milliseconds) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case schemas.Screenshot:
		// No device operation; the caller's capture path produces the frame.
		return nil

	case schemas.Unrecognized:
		t.logger.Warn("Ignoring unrecognized instruction.", zap.String("kind", a.RawKind))
		return nil

	default:
		t.logger.Warn("Ignoring instruction with no device mapping.", zap.String("kind", instr.Kind()))
		return nil
	}
}

// applyClick handles the virtual buttons before falling through to a
// physical click. Back and forward drive history navigation; wheel turns
// the coordinate into a scroll delta.
func (t *Translator) applyClick(ctx context.Context, a schemas.Click) error {
	x, y := t.Clamp(a.X, a.Y)

	switch a.Button {
	case schemas.ButtonBack:
		if err := t.driver.NavigateBack(ctx); err != nil {
			return fmt.Errorf("back navigation failed: %w", err)
		}
		return nil
	case schemas.ButtonForward:
		if err := t.driver.NavigateForward(ctx); err != nil {
			return fmt.Errorf("forward navigation failed: %w", err)
		}
		return nil
	case schemas.ButtonWheel:
		if err := t.driver.ScrollAt(ctx, x, y, x, y); err != nil {
			return fmt.Errorf("wheel scroll failed: %w", err)
		}
		return nil
	}

	button := a.Button
	if !button.IsPhysical() {
		button = schemas.ButtonLeft
	}
	t.logger.Debug("Clicking.",
		zap.Float64("x", x), zap.Float64("y", y), zap.String("button", string(button)))
	if err := t.driver.ClickAt(ctx, x, y, button); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}

	// A click may kick off a navigation; give the document a bounded chance
	// to settle but never fail the click over a slow page.
	if err := t.driver.WaitForSettled(ctx, t.settleTimeout); err != nil {
		t.logger.Debug("Document did not settle after click.", zap.Error(err))
	}
	return nil
}

// Navigate loads a URL and records it in history. This backs the goto
// endpoint, the one action whose history entry carries a URL.
func (t *Translator) Navigate(ctx context.Context, url string, mode schemas.Mode) error {
	if err := t.driver.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	t.shared.AppendHistory(schemas.HistoryEntry{Kind: "goto", URL: url, Mode: mode})
	return nil
}
