// internal/arbiter/arbiter.go
package arbiter

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/actions"
	"github.com/sightglass-sh/sightglass/internal/agentloop"
	"github.com/sightglass-sh/sightglass/internal/state"
)

// Arbiter decides who may drive the viewport. The rule is deliberately
// asymmetric: a human action is a one-shot event and always goes through,
// even mid-run, while starting an agent run claims the viewport for many
// future actions and is only granted when nothing else holds it.
type Arbiter struct {
	baseCtx    context.Context
	shared     *state.Shared
	translator *actions.Translator
	loop       *agentloop.Loop
	logger     *zap.Logger

	// wg tracks the run goroutine so Wait can drain it at shutdown.
	wg sync.WaitGroup
}

// New builds an arbiter. baseCtx bounds the lifetime of any agent run it
// launches, independent of the HTTP request that asked for it.
func New(baseCtx context.Context, shared *state.Shared, translator *actions.Translator, loop *agentloop.Loop, logger *zap.Logger) *Arbiter {
	return &Arbiter{
		baseCtx:    baseCtx,
		shared:     shared,
		translator: translator,
		loop:       loop,
		logger:     logger.Named("arbiter"),
	}
}

// ApplyHuman executes one human input action. It is never rejected on mode
// grounds; human events interleave freely with an active agent run.
func (a *Arbiter) ApplyHuman(ctx context.Context, instr schemas.Instruction) error {
	a.shared.MarkHuman()
	return a.translator.Apply(ctx, instr, schemas.ModeHuman)
}

// NavigateHuman loads a URL on behalf of the human operator.
func (a *Arbiter) NavigateHuman(ctx context.Context, url string) error {
	a.shared.MarkHuman()
	return a.translator.Navigate(ctx, url, schemas.ModeHuman)
}

// StartAgent grants the viewport to a new agent run and launches its loop.
// It fails synchronously, without side effects, if a run is already active.
func (a *Arbiter) StartAgent(task string) error {
	if task == "" {
		return fmt.Errorf("task must not be empty")
	}
	if err := a.shared.BeginAgentRun(task); err != nil {
		a.logger.Warn("Rejected agent start.", zap.Error(err))
		return err
	}

	a.logger.Info("Agent run granted.", zap.String("task", task))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop.Run(a.baseCtx, task)
	}()
	return nil
}

// StopAgent requests a cooperative stop and reports whether a run was
// active. Redundant stops are no-ops; the loop's own terminal event tells
// observers how the run ended.
func (a *Arbiter) StopAgent() bool {
	stopped := a.shared.RequestStop()
	if stopped {
		a.logger.Info("Agent stop requested.")
	}
	return stopped
}

// Wait blocks until any launched run goroutine has finished.
func (a *Arbiter) Wait() {
	a.wg.Wait()
}
