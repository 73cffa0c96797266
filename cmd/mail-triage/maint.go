package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/digest"
	"github.com/mikey/mail-triage/internal/display"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove dedup records older than the retention horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(holder *config.Holder, st core.StateStore, clock core.Clock, logger *zap.Logger) error {
			defer closeAll(logger, st)

			horizon := holder.Current().RetentionHorizon()
			n, err := st.Prune(context.Background(), clock.Now().Add(-horizon))
			if err != nil {
				return err
			}
			display.SuccessMsg(os.Stdout, "pruned %d records older than %s", n, horizon)
			return nil
		})
	},
}

var checkAuth bool

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(holder *config.Holder, mf *factory.MailboxFactory) error {
			s := holder.Current()
			w := os.Stdout

			fmt.Fprintln(w, display.Bold.Render("Configuration OK"))
			fmt.Fprintf(w, "  user:       %s\n", s.UserEmail)
			fmt.Fprintf(w, "  llm:        %s\n", s.LLM.Provider)
			fmt.Fprintf(w, "  store:      %s\n", s.Store.Type)
			fmt.Fprintf(w, "  poll:       every %s, lookback %s\n", s.Monitor.PollInterval, s.Monitor.InitialLookback)
			fmt.Fprintf(w, "  vip:        %d contacts, %d keywords\n", len(s.VIPContacts), len(s.CustomKeywords))

			for _, name := range s.Notify.ChannelOrder {
				ch, _ := s.Channel(name)
				state := display.Dim.Render("disabled")
				if ch.Enabled {
					state = display.Success.Render("enabled") + fmt.Sprintf(" threshold=%s digest=%t", ch.Threshold, ch.Digest)
				}
				fmt.Fprintf(w, "  %-11s %s\n", name+":", state)
			}
			for _, sc := range digest.Schedules(s.Digest) {
				if !sc.Enabled {
					fmt.Fprintf(w, "  %-11s %s\n", string(sc.Kind)+":", display.Dim.Render("disabled"))
					continue
				}
				fmt.Fprintf(w, "  %-11s cron %q in %s, threshold=%s\n", string(sc.Kind)+":", sc.CronSpec(), sc.Location, sc.Threshold)
			}

			if !checkAuth {
				return nil
			}
			f, err := mf.CreateFetcher(context.Background())
			if err != nil {
				return err
			}
			msgs, err := f.FetchRecent(context.Background(), 1)
			if err != nil {
				return err
			}
			display.SuccessMsg(w, "mailbox reachable, fetched %d recent message(s)", len(msgs))
			return nil
		})
	},
}

func init() {
	checkConfigCmd.Flags().BoolVar(&checkAuth, "auth", false, "Also authenticate against the mailbox")
}
