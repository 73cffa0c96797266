package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/display"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dryRunCount int
	dryRunJSON  bool
)

type dryRunOutput struct {
	ID       string   `json:"id"`
	From     string   `json:"from"`
	Subject  string   `json:"subject"`
	Tier     string   `json:"tier,omitempty"`
	Category string   `json:"category,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Classify recent messages and show where they would go, without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		return container.Invoke(func(m *scheduler.Monitor, judge core.JudgmentClient, st core.StateStore, logger *zap.Logger) error {
			defer closeAll(logger, st, judge)

			results, err := m.DryRun(context.Background(), dryRunCount)
			if err != nil {
				return err
			}
			if !dryRunJSON {
				display.DryRun(os.Stdout, results)
				return nil
			}

			out := make([]dryRunOutput, 0, len(results))
			for _, r := range results {
				o := dryRunOutput{ID: r.Message.ID, From: r.Message.From, Subject: r.Message.Subject}
				if v := r.Verdict; v != nil {
					o.Tier = v.Tier.String()
					o.Category = v.Category
					o.Labels = v.Labels
					o.Summary = v.Summary
					o.Degraded = v.Degraded
				}
				if r.Err != nil {
					o.Error = r.Err.Error()
				}
				for _, p := range r.Plan {
					if p.Status == router.StatusPlanned {
						o.Channels = append(o.Channels, p.Channel)
					}
				}
				out = append(out, o)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

func init() {
	dryRunCmd.Flags().IntVarP(&dryRunCount, "count", "n", 5, "Number of recent messages to classify")
	dryRunCmd.Flags().BoolVar(&dryRunJSON, "json", false, "Output as JSON")
}
