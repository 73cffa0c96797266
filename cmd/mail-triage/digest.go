package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/digest"
	"github.com/mikey/mail-triage/internal/display"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var digestBackfill bool

var digestCmd = &cobra.Command{
	Use:       "digest daily|weekly",
	Short:     "Send the digest of the most recently closed window now",
	Long:      "Sends the digest of the most recently closed window. The process starts with an empty window, so use --backfill to rebuild it from the mailbox.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(digest.Daily), string(digest.Weekly)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := digest.ParseKind(args[0])
		if err != nil {
			return err
		}
		return container.Invoke(func(d *scheduler.DigestService, r *router.Router, judge core.JudgmentClient,
			st core.StateStore, logger *zap.Logger) error {
			defer closeAll(logger, st, judge)
			defer r.FlushPending(context.Background())

			res, err := d.RunClosed(context.Background(), kind, digestBackfill)
			if err != nil {
				return err
			}
			display.Digest(os.Stdout, res)
			for _, o := range res.Outcomes {
				if o.Err != nil {
					return fmt.Errorf("digest delivery on %s: %w", o.Channel, o.Err)
				}
			}
			return nil
		})
	},
}

func init() {
	digestCmd.Flags().BoolVar(&digestBackfill, "backfill", true, "Fetch and classify the window's messages before sending")
}
