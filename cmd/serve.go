// -- cmd/serve.go --
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sightglass-sh/sightglass/internal/actions"
	"github.com/sightglass-sh/sightglass/internal/agentloop"
	"github.com/sightglass-sh/sightglass/internal/arbiter"
	"github.com/sightglass-sh/sightglass/internal/broadcast"
	"github.com/sightglass-sh/sightglass/internal/decision"
	"github.com/sightglass-sh/sightglass/internal/display"
	"github.com/sightglass-sh/sightglass/internal/observability"
	"github.com/sightglass-sh/sightglass/internal/server"
	"github.com/sightglass-sh/sightglass/internal/state"
)

const shutdownGrace = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Launch the browser and serve the control API and observer stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe assembles the whole system and blocks until the context is
// cancelled or the HTTP server fails.
func runServe(ctx context.Context) error {
	cfg := appConfig
	logger := observability.GetLogger()

	driver, err := display.NewCDP(ctx, cfg.Display, logger)
	if err != nil {
		return fmt.Errorf("could not start display: %w", err)
	}
	defer driver.Close()

	decisionClient, err := decision.NewClient(cfg.Decision, cfg.Display, logger)
	if err != nil {
		return fmt.Errorf("could not build decision client: %w", err)
	}

	shared := state.New(cfg.History.Capacity)
	translator := actions.New(cfg.Display, cfg.Agent.SettleTimeout, driver, shared, logger)
	hub := broadcast.New(ctx, cfg.Stream, cfg.Display, driver, shared, logger)
	loop := agentloop.New(cfg.Agent, shared, translator, driver, decisionClient, hub, logger)
	arb := arbiter.New(ctx, shared, translator, loop, logger)
	srv := server.New(*cfg, Version, shared, hub, arb, driver, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown did not finish cleanly.", zap.Error(err))
		}

		arb.StopAgent()
		arb.Wait()
		return nil
	})

	logger.Info("Sightglass is up.",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("start_url", cfg.Display.StartURL))
	return g.Wait()
}
