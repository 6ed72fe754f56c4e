// internal/agentloop/loop.go
package agentloop

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/actions"
	"github.com/sightglass-sh/sightglass/internal/config"
	"github.com/sightglass-sh/sightglass/internal/decision"
	"github.com/sightglass-sh/sightglass/internal/display"
	"github.com/sightglass-sh/sightglass/internal/state"
)

// Broadcaster is the slice of the hub the loop needs: best-effort event
// fan-out to whoever is watching.
type Broadcaster interface {
	Broadcast(schemas.Event)
}

// Loop drives one agent run: request a decision, execute its single
// instruction, feed the resulting frame back, repeat until the service has
// nothing left to do, the iteration limit is hit, a stop is requested or
// something breaks. Exchanges are strictly sequential; there is never more
// than one in flight.
type Loop struct {
	cfg        config.AgentConfig
	shared     *state.Shared
	translator *actions.Translator
	driver     display.Driver
	service    decision.Service
	hub        Broadcaster
	logger     *zap.Logger
}

// New assembles a loop. The caller owns run admission via the shared state;
// Run assumes BeginAgentRun has already succeeded.
func New(cfg config.AgentConfig, shared *state.Shared, translator *actions.Translator, driver display.Driver, service decision.Service, hub Broadcaster, logger *zap.Logger) *Loop {
	return &Loop{
		cfg:        cfg,
		shared:     shared,
		translator: translator,
		driver:     driver,
		service:    service,
		hub:        hub,
		logger:     logger.Named("agentloop"),
	}
}

// Run executes the whole lifecycle of one agent run. Terminal cleanup always
// happens: whatever the exit path, the viewport reverts to idle and
// observers get exactly one terminal status event.
func (l *Loop) Run(ctx context.Context, task string) {
	outcome := schemas.RunError
	message := ""
	defer func() {
		l.shared.EndAgentRun()
		l.hub.Broadcast(schemas.NewStatusEvent(outcome, task, message))
		l.logger.Info("Agent run finished.",
			zap.String("outcome", outcome),
			zap.Int("iterations", l.shared.IterationCount()))
	}()

	l.hub.Broadcast(schemas.NewStatusEvent(schemas.RunStarting, task, ""))
	l.logger.Info("Agent run starting.", zap.String("task", task))

	frame, ok := l.captureFrame(ctx)
	if !ok {
		message = "could not capture an initial frame"
		return
	}

	exchangeID, err := l.service.StartExchange(ctx, task, frame)
	if err != nil {
		l.logger.Error("Could not start exchange.", zap.Error(err))
		message = err.Error()
		return
	}
	if !l.shared.SetExchange(exchangeID) {
		outcome = schemas.RunCancelled
		return
	}

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if !l.shared.AgentRunning() {
			l.logger.Info("Stop requested; ending run.", zap.Int("iteration", iteration))
			outcome = schemas.RunCancelled
			return
		}
		l.shared.NextIteration()

		out, err := l.service.GetOutput(ctx, exchangeID)
		if err != nil {
			l.logger.Error("Could not fetch exchange output.", zap.Error(err))
			message = err.Error()
			return
		}

		if len(out.Messages) > 0 {
			l.hub.Broadcast(schemas.NewMessageEvent(strings.Join(out.Messages, "\n"), iteration))
		}

		if out.Instruction == nil {
			outcome = schemas.RunCompleted
			return
		}

		kind := out.Instruction.Kind()
		l.hub.Broadcast(schemas.NewActionEvent(kind, iteration))
		l.logger.Info("Executing instruction.",
			zap.String("kind", kind), zap.Int("iteration", iteration))

		if err := l.translator.Apply(ctx, out.Instruction, schemas.ModeAgent); err != nil {
			l.logger.Error("Instruction execution failed.",
				zap.String("kind", kind), zap.Error(err))
			message = err.Error()
			return
		}

		l.settleAfter(ctx, out.Instruction)

		frame, ok := l.captureFrame(ctx)
		if !ok {
			message = "could not capture a feedback frame"
			return
		}

		nextID, err := l.service.ContinueExchange(ctx, exchangeID, out.CorrelationID, frame, out.SafetyChecks)
		if err != nil {
			l.logger.Error("Could not continue exchange.", zap.Error(err))
			message = err.Error()
			return
		}
		if !l.shared.SetExchange(nextID) {
			// A stop landed while the round trip was in flight; its result
			// must not outlive the run.
			outcome = schemas.RunCancelled
			return
		}
		exchangeID = nextID
	}

	// Running out of iterations is a normal ending: the service had its chances.
	l.logger.Info("Iteration limit reached.", zap.Int("max_iterations", l.cfg.MaxIterations))
	outcome = schemas.RunCompleted
}

// settleAfter gives the page time to react to an instruction. Clicks may
// spawn a new surface, so they get a longer pause and a follow of the newest
// page; waits already slept, everything else gets a short beat.
func (l *Loop) settleAfter(ctx context.Context, instr schemas.Instruction) {
	switch instr.(type) {
	case schemas.Click:
		l.pause(ctx, l.cfg.ClickSettleDelay)
		if switched, err := l.driver.SwitchToNewestSurface(ctx); err != nil {
			l.logger.Debug("Surface check failed.", zap.Error(err))
		} else if switched {
			l.logger.Info("Following newly opened surface.")
		}
	case schemas.Wait:
	default:
		l.pause(ctx, l.cfg.PostActionDelay)
	}
}

func (l *Loop) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// captureFrame snapshots the viewport for the decision service, falling back
// to the cached frame when capture fails. Only a failure with an empty cache
// is fatal to the run.
func (l *Loop) captureFrame(ctx context.Context) ([]byte, bool) {
	frame, err := l.driver.Capture(ctx)
	if err != nil {
		l.logger.Warn("Frame capture failed; using cached frame.", zap.Error(err))
		frame = l.shared.LastFrame()
		if frame == nil {
			l.logger.Error("No frame available for the decision service.")
			return nil, false
		}
		return frame, true
	}
	l.shared.SetFrame(frame)
	return frame, true
}
