// Command futuresfeed ingests USD-margined futures market data into a
// configurable storage backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes reported to the supervisor.
const (
	exitOK        = 0
	exitConfig    = 1
	exitStorage   = 2
	exitExchange  = 3
	exitCancelled = 4
)

// exitError carries an exit code through cobra's RunE plumbing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		code := exitConfig
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if errors.Is(err, context.Canceled) {
			code = exitCancelled
		}
		fmt.Fprintln(os.Stderr, "futuresfeed:", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "futuresfeed",
		Short:         "Futures market data ingestion",
		Long:          "futuresfeed collects candles, open interest, funding, liquidations,\nlong/short ratios, and order book snapshots from a USD-margined\nfutures exchange into TimescaleDB, SQLite, or a cloud document store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to futuresfeed.yaml")

	root.AddCommand(
		newInitCmd(&configPath),
		newCollectHistoricalCmd(&configPath),
		newStreamRealtimeCmd(&configPath),
		newHealthCheckCmd(&configPath),
		newMonitorErrorsCmd(&configPath),
	)
	return root
}
