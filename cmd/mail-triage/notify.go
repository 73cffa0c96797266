package main

import (
	"context"
	"os"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/display"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var testNotifyCmd = &cobra.Command{
	Use:   "test-notify <channel>",
	Short: "Send a test notification on one channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(r *router.Router, st core.StateStore, logger *zap.Logger) error {
			defer closeAll(logger, st)

			o := r.SendTest(context.Background(), args[0])
			if o.Err != nil {
				return o.Err
			}
			msg := "test notification sent on " + o.Channel
			if o.Result != nil && o.Result.ProviderMessageID != "" {
				msg += " (" + o.Result.ProviderMessageID + ")"
			}
			display.SuccessMsg(os.Stdout, "%s", msg)
			return nil
		})
	},
}
