package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/di"
	"github.com/mikey/mail-triage/internal/display"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configFile string
	verbose    bool
	jsonLog    bool
	container  *dig.Container
)

var rootCmd = &cobra.Command{
	Use:           "mail-triage",
	Short:         "mail-triage - classify incoming mail and notify on what matters",
	Long:          "Polls a mailbox, classifies each message into a priority tier, alerts on urgent mail and sends daily and weekly digests.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		container, err = di.BuildContainer(di.Options{
			ConfigFile: configFile,
			Verbose:    verbose,
			JSONLog:    jsonLog,
		})
		if err != nil {
			return fmt.Errorf("build dependency container: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if container == nil {
			return
		}
		_ = container.Invoke(func(logger *zap.Logger) {
			_ = logger.Sync()
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")

	rootCmd.AddCommand(
		monitorCmd,
		allCmd,
		dryRunCmd,
		digestCmd,
		digestServiceCmd,
		testNotifyCmd,
		pruneCmd,
		checkConfigCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		display.ErrorMsg(os.Stderr, "%v", unwrapDig(err))
		if errors.Is(err, core.ErrConfigInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// unwrapDig strips dig's resolution chain from constructor errors
func unwrapDig(err error) error {
	if root := dig.RootCause(err); root != nil {
		return root
	}
	return err
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. SIGHUP
// reloads the configuration.
func signalContext(holder *config.Holder, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(hup)
				return
			case <-hup:
				if err := holder.Reload(); err != nil {
					logger.Error("Configuration reload failed, keeping previous settings", zap.Error(err))
				}
			}
		}
	}()
	return ctx, cancel
}

// closeAll closes resources that hold connections or goroutines
func closeAll(logger *zap.Logger, closers ...any) {
	for _, c := range closers {
		closer, ok := c.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close resource", zap.Error(err))
		}
	}
}
