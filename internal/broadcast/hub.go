// internal/broadcast/hub.go
package broadcast

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/config"
	"github.com/sightglass-sh/sightglass/internal/display"
	"github.com/sightglass-sh/sightglass/internal/state"
)

// Observer receives the events fanned out by the hub. Send must be safe for
// the hub's single broadcasting goroutine and should fail fast when the
// receiver is gone; a failed observer is pruned.
type Observer interface {
	ID() string
	Send(schemas.Event) error
}

// Capture loop lifecycle. Transitions move strictly forward and wrap:
// stopped -> starting -> running -> stopping -> stopped. Exactly one
// subscriber wins the stopped -> starting transition, so at most one loop
// ever runs.
const (
	loopStopped int32 = iota
	loopStarting
	loopRunning
	loopStopping
)

// Hub owns the observer set and the single frame-capture loop. The loop
// exists only while someone is watching: the first subscriber starts it, the
// last unsubscriber lets it wind down.
type Hub struct {
	cfg     config.StreamConfig
	width   int
	height  int
	driver  display.Driver
	shared  *state.Shared
	logger  *zap.Logger
	baseCtx context.Context

	mu        sync.Mutex
	observers map[string]Observer

	loopState  atomic.Int32
	loopStarts atomic.Int64

	// lastURL carries the most recent known location between frames so a
	// failed location query does not blank the stream metadata.
	lastURL atomic.Pointer[string]
}

// New constructs a hub. The context bounds the lifetime of any capture loop
// the hub starts.
func New(ctx context.Context, cfg config.StreamConfig, displayCfg config.DisplayConfig, driver display.Driver, shared *state.Shared, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		width:     displayCfg.Width,
		height:    displayCfg.Height,
		driver:    driver,
		shared:    shared,
		logger:    logger.Named("broadcast"),
		baseCtx:   ctx,
		observers: make(map[string]Observer),
	}
}

// Subscribe registers an observer and starts the capture loop if it is not
// already running. Duplicate ids replace the previous observer.
func (h *Hub) Subscribe(obs Observer) {
	h.mu.Lock()
	h.observers[obs.ID()] = obs
	count := len(h.observers)
	h.mu.Unlock()

	h.logger.Info("Observer subscribed.", zap.String("observer_id", obs.ID()), zap.Int("observers", count))

	if h.loopState.CompareAndSwap(loopStopped, loopStarting) {
		go h.captureLoop()
	}
}

// Unsubscribe removes an observer. The capture loop notices an empty set at
// its next frame boundary and winds down on its own.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	_, ok := h.observers[id]
	delete(h.observers, id)
	count := len(h.observers)
	h.mu.Unlock()

	if ok {
		h.logger.Info("Observer unsubscribed.", zap.String("observer_id", id), zap.Int("observers", count))
	}
}

// ObserverCount returns the number of registered observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast fans an event out to every observer, best effort. Observers
// whose Send fails are pruned in place; a slow or dead watcher never stalls
// the rest.
func (h *Hub) Broadcast(event schemas.Event) {
	h.mu.Lock()
	targets := make([]Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.Unlock()

	var failed []string
	for _, obs := range targets {
		if err := obs.Send(event); err != nil {
			failed = append(failed, obs.ID())
		}
	}
	for _, id := range failed {
		h.logger.Debug("Pruning unreachable observer.", zap.String("observer_id", id))
		h.Unsubscribe(id)
	}
}

// captureLoop produces frames at the configured rate for as long as someone
// is watching. Exactly one instance runs at a time.
func (h *Hub) captureLoop() {
	h.loopStarts.Add(1)
	h.loopState.Store(loopRunning)
	h.logger.Info("Capture loop started.", zap.Float64("fps", h.cfg.FramesPerSecond))

	fps := h.cfg.FramesPerSecond
	if fps <= 0 {
		fps = 25
	}
	limiter := rate.NewLimiter(rate.Limit(fps), 1)

	backoff := h.cfg.FailureBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	failStreak := 0
	for {
		if h.baseCtx.Err() != nil {
			h.loopState.Store(loopStopped)
			h.logger.Info("Capture loop stopped: hub context done.")
			return
		}
		if h.ObserverCount() == 0 && h.tryStop() {
			return
		}
		if err := limiter.Wait(h.baseCtx); err != nil {
			h.loopState.Store(loopStopped)
			return
		}

		frame, err := h.driver.Capture(h.baseCtx)
		if err != nil {
			failStreak++
			if failStreak == 1 {
				// One log per failure streak; a flapping renderer must not
				// flood the log at frame rate.
				h.logger.Warn("Frame capture failing; serving cached frames.", zap.Error(err))
			}
			frame = h.shared.LastFrame()
			if frame == nil {
				time.Sleep(backoff)
				continue
			}
		} else {
			if failStreak > 0 {
				h.logger.Info("Frame capture recovered.", zap.Int("failed_captures", failStreak))
			}
			failStreak = 0
			h.shared.SetFrame(frame)
		}

		h.Broadcast(h.frameEvent(frame))
	}
}

// tryStop walks the running loop down to stopped. If a subscriber slipped in
// while we were stopping, the loop restarts itself instead of exiting, so a
// subscribe racing a wind-down never strands an observer without frames.
func (h *Hub) tryStop() bool {
	if !h.loopState.CompareAndSwap(loopRunning, loopStopping) {
		return false
	}
	h.loopState.Store(loopStopped)
	if h.ObserverCount() > 0 && h.loopState.CompareAndSwap(loopStopped, loopStarting) {
		h.loopState.Store(loopRunning)
		return false
	}
	h.logger.Info("Capture loop stopped: no observers.")
	return true
}

func (h *Hub) frameEvent(frame []byte) schemas.Event {
	if url, err := h.driver.CurrentURL(h.baseCtx); err == nil {
		h.lastURL.Store(&url)
	}
	url := ""
	if p := h.lastURL.Load(); p != nil {
		url = *p
	}
	img := base64.StdEncoding.EncodeToString(frame)
	return schemas.NewFrameEvent(img, h.width, h.height, url, h.shared.Mode())
}
