package main

import (
	"context"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/httpapi"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type services struct {
	dig.In

	Holder  *config.Holder
	Logger  *zap.Logger
	Judge   core.JudgmentClient
	Store   core.StateStore
	Router  *router.Router
	Monitor *scheduler.Monitor
	Digests *scheduler.DigestService
	Server  *httpapi.Server
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll the mailbox and send alerts until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(svc services) error {
			return runServices(svc, true, false)
		})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the monitor and the digest scheduler together",
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(svc services) error {
			return runServices(svc, true, true)
		})
	},
}

var digestServiceCmd = &cobra.Command{
	Use:   "digest-service",
	Short: "Run only the digest scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(svc services) error {
			return runServices(svc, false, true)
		})
	},
}

// runServices runs the selected loops, plus the ops server when enabled,
// until a signal arrives or one of them fails
func runServices(svc services, monitor, digests bool) error {
	defer closeAll(svc.Logger, svc.Store, svc.Judge)

	ctx, cancel := signalContext(svc.Holder, svc.Logger)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if monitor {
		g.Go(func() error { return svc.Monitor.Run(ctx) })
	}
	if digests {
		g.Go(func() error { return svc.Digests.Run(ctx) })
	}
	if s := svc.Holder.Current(); s.HTTP.Enabled {
		g.Go(func() error { return svc.Server.ListenAndServe(ctx, s.HTTP.ListenAddress) })
	}

	err := g.Wait()

	// Retry pending dedup writes once more before the store closes.
	if n := svc.Router.FlushPending(context.Background()); n > 0 {
		svc.Logger.Info("Flushed pending dedup records on shutdown", zap.Int("count", n))
	}
	svc.Logger.Info("Shutdown complete")
	return err
}
